package main

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

//TileSize 默认瓦片大小
const TileSize = 256

// 图层
const (
	LayerGraph = "graph"
	LayerOrtho = "ortho"
	LayerOPI   = "opi"
)

//Pyramid 金字塔参数，slab 边长（瓦片数）与最大级别
type Pyramid struct {
	SlabSize int
	MaxZoom  int
}

//LevelsPerSlab 每个 slab 内部存储的级别数：底层加上逐级减半直到 1 个瓦片
func (p Pyramid) LevelsPerSlab() int {
	levels := 1
	for n := p.SlabSize; n > 1; n >>= 1 {
		levels++
	}
	return levels
}

//Slab slab 在其底层级别上的网格坐标
type Slab struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

//SlabAddress 瓦片在 slab 中的位置
type SlabAddress struct {
	Slab
	LocalX int
	LocalY int
	Level  int
}

//ResolveSlab 计算全局瓦片所在的 slab 以及 slab 内部的局部坐标
func (p Pyramid) ResolveSlab(t maptile.Tile) (SlabAddress, error) {
	z := int(t.Z)
	if p.SlabSize < 1 || z > p.MaxZoom {
		return SlabAddress{}, errors.Wrapf(ErrValidation, "zoom %d not available", z)
	}
	levels := p.LevelsPerSlab()
	slabZoom := p.MaxZoom - (p.MaxZoom-z)/levels*levels
	factor := 1 << uint(slabZoom-z)
	if factor > p.SlabSize {
		return SlabAddress{}, errors.Wrapf(ErrValidation, "zoom %d not available", z)
	}
	x, y := int(t.X)*factor, int(t.Y)*factor
	return SlabAddress{
		Slab:   Slab{X: x / p.SlabSize, Y: y / p.SlabSize, Z: slabZoom},
		LocalX: x % p.SlabSize / factor,
		LocalY: y % p.SlabSize / factor,
		Level:  slabZoom - z,
	}, nil
}

//TileOf 由 slab 与局部坐标还原全局瓦片
func (p Pyramid) TileOf(a SlabAddress) maptile.Tile {
	perEdge := p.SlabSize >> uint(a.Level)
	return maptile.New(
		uint32(a.X*perEdge+a.LocalX),
		uint32(a.Y*perEdge+a.LocalY),
		maptile.Zoom(a.Z-a.Level),
	)
}

//SlabPath slab 文件在图层目录下的位置
type SlabPath struct {
	Dir  string
	File string
}

//Key 用于日志与去重
func (sp SlabPath) Key() string {
	return filepath.ToSlash(filepath.Join(sp.Dir, sp.File))
}

func (sp SlabPath) String() string {
	return sp.Key()
}

//PathOf slab 网格坐标转为分片目录：x、y 以 36 进制大写编码并左补零到 depth+1 位，逐位交错成对
func PathOf(slabX, slabY, slabZoom, depth int) (SlabPath, error) {
	if slabX < 0 || slabY < 0 || depth < 0 {
		return SlabPath{}, errors.Wrapf(ErrValidation, "invalid slab %d/%d/%d", slabZoom, slabX, slabY)
	}
	digitX, err := base36(slabX, depth+1)
	if err != nil {
		return SlabPath{}, err
	}
	digitY, err := base36(slabY, depth+1)
	if err != nil {
		return SlabPath{}, err
	}
	parts := []string{strconv.Itoa(slabZoom)}
	for i := 0; i < depth; i++ {
		parts = append(parts, digitX[i:i+1]+digitY[i:i+1])
	}
	return SlabPath{
		Dir:  filepath.Join(parts...),
		File: digitX[depth:] + digitY[depth:],
	}, nil
}

func base36(n, width int) (string, error) {
	s := strings.ToUpper(strconv.FormatInt(int64(n), 36))
	if len(s) > width {
		return "", errors.Wrapf(ErrValidation, "slab index %d exceeds path depth", n)
	}
	return strings.Repeat("0", width-len(s)) + s, nil
}

//PathOfSlab 同 PathOf
func PathOfSlab(s Slab, depth int) (SlabPath, error) {
	return PathOf(s.X, s.Y, s.Z, depth)
}

//slabPathFromKey Key 的逆运算
func slabPathFromKey(key string) SlabPath {
	dir, file := filepath.Split(filepath.FromSlash(key))
	return SlabPath{Dir: filepath.Clean(dir), File: file}
}

//TileBounds 瓦片地理范围：左上角坐标与像素尺寸
type TileBounds struct {
	MinX   float64
	MaxY   float64
	Width  int
	Height int
}

//ResolutionAt 指定级别的分辨率
func (c *Cache) ResolutionAt(z int) float64 {
	return c.Resolution / math.Pow(2, float64(z))
}

//TileBounds 瓦片范围
func (c *Cache) TileBounds(t maptile.Tile) TileBounds {
	span := float64(c.TileSize) * c.ResolutionAt(int(t.Z))
	return TileBounds{
		MinX:   c.Origin.X + float64(t.X)*span,
		MaxY:   c.Origin.Y - float64(t.Y)*span,
		Width:  c.TileSize,
		Height: c.TileSize,
	}
}

//Pyramid 缓存对应的金字塔参数
func (c *Cache) Pyramid() Pyramid {
	return Pyramid{SlabSize: c.SlabSize, MaxZoom: c.Level.Max}
}

//EnumerateTiles 计算范围在各级别覆盖的瓦片
func (c *Cache) EnumerateTiles(b orb.Bound, zmin, zmax int) []maptile.Tile {
	var tiles []maptile.Tile
	for z := zmin; z <= zmax; z++ {
		span := float64(c.TileSize) * c.ResolutionAt(z)
		xmin := int(math.Floor((b.Min.X() - c.Origin.X) / span))
		xmax := int(math.Floor((b.Max.X() - c.Origin.X) / span))
		ymin := int(math.Floor((c.Origin.Y - b.Max.Y()) / span))
		ymax := int(math.Floor((c.Origin.Y - b.Min.Y()) / span))
		if xmax < 0 || ymax < 0 {
			continue
		}
		if xmin < 0 {
			xmin = 0
		}
		if ymin < 0 {
			ymin = 0
		}
		for y := ymin; y <= ymax; y++ {
			for x := xmin; x <= xmax; x++ {
				tiles = append(tiles, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
			}
		}
	}
	return tiles
}

func tileString(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
