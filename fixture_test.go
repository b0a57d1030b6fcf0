package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/require"
	xdraw "golang.org/x/image/draw"
)

// 测试缓存：4 像素瓦片，4x4 瓦片的 slab，级别 0-4，0 级一个瓦片覆盖 [0,64]x[0,64]
const (
	testIdentifier = "TEST"
	opiA           = "opiA"
	opiB           = "opiB"
)

var (
	colorA    = [3]uint8{10, 20, 30}
	colorB    = [3]uint8{40, 50, 60}
	orthoGrey = color.NRGBA{R: 100, G: 100, B: 100, A: 255}
	photoA    = color.NRGBA{R: 200, A: 255}
	photoB    = color.NRGBA{G: 200, A: 255}
)

func testOverviews() map[string]interface{} {
	return map[string]interface{}{
		"identifier":  testIdentifier,
		"crs":         map[string]interface{}{"type": "EPSG", "code": 2154},
		"resolution":  16,
		"origin":      map[string]interface{}{"x": 0, "y": 64},
		"boundingBox": map[string]interface{}{"xmin": 0, "ymin": 0, "xmax": 64, "ymax": 64},
		"tileSize":    4,
		"slabSize":    4,
		"pathDepth":   1,
		"level":       map[string]interface{}{"min": 0, "max": 4},
		"list_OPI": map[string]interface{}{
			opiA: map[string]interface{}{"color": colorA, "date": "2019-06-21", "time_ut": "10:32"},
			opiB: map[string]interface{}{"color": colorB, "date": "2019-06-22", "time_ut": "11:05"},
		},
	}
}

func writeOverviews(t *testing.T, dir string, overviews map[string]interface{}) {
	data, err := json.Marshal(overviews)
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, OverviewsFile), data, 0644))
}

//testSlabs 所有 slab：1 级一个，4 级 4x4 个
func testSlabs() []Slab {
	slabs := []Slab{{X: 0, Y: 0, Z: 1}}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			slabs = append(slabs, Slab{X: x, Y: y, Z: 4})
		}
	}
	return slabs
}

// 4 级 (3,3) 没有 graph，4 级 (3,0) 没有 opiB
var (
	noGraphSlab = Slab{X: 3, Y: 3, Z: 4}
	noOPIBSlab  = Slab{X: 3, Y: 0, Z: 4}
)

func writeTestSlab(t *testing.T, path string, layout slabLayout, c color.NRGBA) {
	img := layout.blank()
	xdraw.Draw(img, layout.LevelRect(0), &image.Uniform{C: c}, image.Point{}, xdraw.Src)
	layout.BuildOverviews(img)
	_, err := writeSlab(path, img)
	require.NoError(t, err)
}

func newTestCache(t *testing.T) *Cache {
	dir := t.TempDir()
	writeOverviews(t, dir, testOverviews())
	c, err := LoadCache(dir)
	require.NoError(t, err)

	layout := layoutOf(c)
	for _, s := range testSlabs() {
		sp, err := PathOfSlab(s, c.PathDepth)
		require.NoError(t, err)
		if s != noGraphSlab {
			writeTestSlab(t, c.OrigFile(LayerGraph, sp), layout, nrgbaOf(colorA))
		}
		writeTestSlab(t, c.OrigFile(LayerOrtho, sp), layout, orthoGrey)
		writeTestSlab(t, c.OPIFile(sp, opiA), layout, photoA)
		if s != noOPIBSlab {
			writeTestSlab(t, c.OPIFile(sp, opiB), layout, photoB)
		}
	}
	return c
}

type testEnv struct {
	cache    *Cache
	reg      *Registry
	procs    *ProcessQueue
	branches *BranchStore
	pipeline *PatchPipeline
	slabs    *SlabCache
}

func newTestEnv(t *testing.T) *testEnv {
	c := newTestCache(t)
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "mosaic.db"))
	require.NoError(t, err)
	procs := NewProcessQueue(reg)
	t.Cleanup(func() {
		procs.Wait()
		reg.Close()
	})
	pipeline := NewPatchPipeline(reg, 2)
	bs := NewBranchStore(reg, pipeline, procs)
	require.NoError(t, bs.AddCache("test", c))
	slabs, err := NewSlabCache(8)
	require.NoError(t, err)
	return &testEnv{cache: c, reg: reg, procs: procs, branches: bs, pipeline: pipeline, slabs: slabs}
}

func (e *testEnv) orig(t *testing.T) Branch {
	list, err := e.branches.List(e.cache.ID)
	require.NoError(t, err)
	for _, b := range list {
		if b.IsOrig() {
			return b
		}
	}
	t.Fatal("orig branch missing")
	return Branch{}
}

func (e *testEnv) branch(t *testing.T, name string) Branch {
	b, err := e.branches.Create(e.cache.ID, name)
	require.NoError(t, err)
	return b
}

//square 地理坐标下的矩形多边形
func square(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}}
}

// 4 级瓦片 (0,0) 内 (1,1)-(2,2) 四个像素，3 级与 2 级各一个像素，只涉及 4 级 (0,0) slab
var smallSquare = square(1, 61, 3, 63)

func (e *testEnv) apply(t *testing.T, b Branch, g orb.Geometry, opi string) *geojson.Feature {
	f, err := e.pipeline.Apply(context.Background(), e.cache, b, PatchRequest{Geometry: g, Color: e.cache.OPI[opi].Color, OPI: opi})
	require.NoError(t, err)
	return f
}

//readTile 直接读盘，不经过 SlabCache
func (e *testEnv) readTile(t *testing.T, b Branch, layer string, tile maptile.Tile) *image.NRGBA {
	path, a, err := Resolve(e.cache, b, layer, tile, "")
	require.NoError(t, err)
	img, err := readSlab(path)
	require.NoError(t, err)
	return cropTile(img, layoutOf(e.cache).TileRect(a))
}

func patchBody(t *testing.T, g orb.Geometry, opi string, rgb [3]uint8, crs string) []byte {
	f := geojson.NewFeature(g)
	f.Properties["color"] = []int{int(rgb[0]), int(rgb[1]), int(rgb[2])}
	f.Properties["opiName"] = opi
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	data, err := json.Marshal(fc)
	require.NoError(t, err)
	if crs == "" {
		return data
	}
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["crs"] = map[string]interface{}{"type": "name", "properties": map[string]string{"name": crs}}
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func samePixels(a, b *image.NRGBA) bool {
	return a.Rect == b.Rect && bytes.Equal(a.Pix, b.Pix)
}
