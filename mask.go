package main

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
)

//Mask 瓦片的二值覆盖掩膜，比瓦片多一行
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

//Covers 像素 (x, y) 是否被覆盖。投影时整体下移了一行，这里读取 y+1 行与栅格对齐
func (m *Mask) Covers(x, y int) bool {
	return m.Pix[(y+1)*m.Width+x] != 0
}

//Count 被覆盖像素数
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

//RasterizeMask 将多边形栅格化为瓦片的掩膜，与瓦片不相交时返回 nil
func RasterizeMask(g orb.Geometry, tb TileBounds, res float64) *Mask {
	var polygons orb.MultiPolygon
	switch geom := g.(type) {
	case orb.Polygon:
		polygons = orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		polygons = geom
	default:
		return nil
	}

	box := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(tb.Width), float64(tb.Height + 1)}}
	m := &Mask{Width: tb.Width, Height: tb.Height + 1}
	filled := false
	for _, p := range polygons {
		clipped := clip.Polygon(box, project(p, tb, res))
		if len(clipped) == 0 || len(clipped[0]) < 3 {
			continue
		}
		if m.Pix == nil {
			m.Pix = make([]uint8, m.Width*m.Height)
		}
		if m.fill(clipped) {
			filled = true
		}
	}
	if !filled {
		return nil
	}
	return m
}

//project 地理坐标转为瓦片像素坐标
func project(p orb.Polygon, tb TileBounds, res float64) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point{
				math.Round((pt.X() - tb.MinX) / res),
				math.Round((tb.MaxY-pt.Y())/res) + 1,
			}
		}
		out[i] = r
	}
	return out
}

//fill 奇偶规则扫描填充，按像素中心采样
func (m *Mask) fill(p orb.Polygon) bool {
	touched := false
	xs := make([]float64, 0, 16)
	for row := 0; row < m.Height; row++ {
		yc := float64(row) + 0.5
		xs = xs[:0]
		for _, ring := range p {
			n := len(ring)
			for i := 0; i < n; i++ {
				a, b := ring[i], ring[(i+1)%n]
				if (a.Y() <= yc) == (b.Y() <= yc) {
					continue
				}
				xs = append(xs, a.X()+(yc-a.Y())*(b.X()-a.X())/(b.Y()-a.Y()))
			}
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := clampInt(int(math.Ceil(xs[i]-0.5)), 0, m.Width)
			x1 := clampInt(int(math.Ceil(xs[i+1]-0.5)), 0, m.Width)
			for x := x0; x < x1; x++ {
				m.Pix[row*m.Width+x] = 1
				touched = true
			}
		}
	}
	return touched
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
