package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

//PatchRequest 一次修改的内容
type PatchRequest struct {
	Geometry orb.Geometry
	Color    [3]uint8
	OPI      string
	Auto     bool
}

//parsePatch 解析提交的 FeatureCollection：必须带 crs，且只有一个多边形要素
func parsePatch(data []byte, c *Cache) (PatchRequest, error) {
	var head struct {
		CRS *struct {
			Type       string `json:"type"`
			Properties struct {
				Name string `json:"name"`
			} `json:"properties"`
		} `json:"crs"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return PatchRequest{}, errors.Wrapf(ErrValidation, "body: %s", err)
	}
	if head.CRS == nil || head.CRS.Properties.Name == "" {
		return PatchRequest{}, errors.Wrap(ErrValidation, "crs required")
	}
	if !crsMatches(head.CRS.Properties.Name, c.CRS) {
		return PatchRequest{}, errors.Wrapf(ErrValidation, "crs %s does not match cache crs %s", head.CRS.Properties.Name, c.CRS)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return PatchRequest{}, errors.Wrapf(ErrValidation, "unable to unmarshal feature collection: %s", err)
	}
	if len(fc.Features) != 1 {
		return PatchRequest{}, errors.Wrapf(ErrValidation, "must have 1 feature: %d", len(fc.Features))
	}
	f := fc.Features[0]
	req, err := requestOf(f)
	if err != nil {
		return PatchRequest{}, err
	}
	opi, ok := c.OPI[req.OPI]
	if !ok {
		return PatchRequest{}, errors.Wrapf(ErrNotFound, "opi %q", req.OPI)
	}
	if opi.Color != req.Color {
		return PatchRequest{}, errors.Wrapf(ErrValidation, "color %v does not belong to opi %s", req.Color, req.OPI)
	}
	return req, nil
}

func crsMatches(name string, crs CRS) bool {
	code := strconv.Itoa(crs.Code)
	name = strings.ToUpper(name)
	return strings.Contains(name, strings.ToUpper(crs.Type)) && strings.HasSuffix(name, ":"+code)
}

//requestOf 从要素中取出修改内容，重放 patch 时也使用
func requestOf(f *geojson.Feature) (PatchRequest, error) {
	if err := validGeometry(f.Geometry); err != nil {
		return PatchRequest{}, err
	}
	color, err := featureColor(f)
	if err != nil {
		return PatchRequest{}, err
	}
	name := f.Properties.MustString("opiName", "")
	if name == "" {
		return PatchRequest{}, errors.Wrap(ErrValidation, "opiName required")
	}
	return PatchRequest{
		Geometry: f.Geometry,
		Color:    color,
		OPI:      name,
		Auto:     f.Properties.MustBool("auto", false),
	}, nil
}

func validGeometry(g orb.Geometry) error {
	var polygons orb.MultiPolygon
	switch geom := g.(type) {
	case orb.Polygon:
		polygons = orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		polygons = geom
	default:
		return errors.Wrapf(ErrValidation, "geometry must be a Polygon or MultiPolygon, got %T", g)
	}
	if len(polygons) == 0 {
		return errors.Wrap(ErrValidation, "empty geometry")
	}
	for _, p := range polygons {
		if len(p) == 0 {
			return errors.Wrap(ErrValidation, "polygon without ring")
		}
		for _, r := range p {
			if len(r) < 4 {
				return errors.Wrap(ErrValidation, "ring must have at least 4 points")
			}
		}
	}
	return nil
}

func featureColor(f *geojson.Feature) ([3]uint8, error) {
	var rgb [3]int
	if err := reencode(f.Properties["color"], &rgb); err != nil {
		return [3]uint8{}, errors.Wrapf(ErrValidation, "color must be [r,g,b]: %s", err)
	}
	var out [3]uint8
	for i, v := range rgb {
		if v < 0 || v > 255 {
			return [3]uint8{}, errors.Wrapf(ErrValidation, "color component %d out of range", v)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

//newPatchFeature 提交后的 patch 记录
func newPatchFeature(id int, req PatchRequest, tiles []maptile.Tile) *geojson.Feature {
	f := geojson.NewFeature(req.Geometry)
	f.Properties["patchId"] = id
	f.Properties["color"] = []int{int(req.Color[0]), int(req.Color[1]), int(req.Color[2])}
	f.Properties["opiName"] = req.OPI
	f.Properties["auto"] = req.Auto
	list := make([][3]uint32, len(tiles))
	for i, t := range tiles {
		list[i] = [3]uint32{t.X, t.Y, uint32(t.Z)}
	}
	f.Properties["tiles"] = list
	return f
}

func patchID(f *geojson.Feature) int {
	return f.Properties.MustInt("patchId", 0)
}

//patchTiles patch 修改过的瓦片
func patchTiles(f *geojson.Feature) ([]maptile.Tile, error) {
	var list [][3]uint32
	if err := reencode(f.Properties["tiles"], &list); err != nil {
		return nil, errors.Wrapf(ErrStorageInconsistency, "patch %d tiles: %s", patchID(f), err)
	}
	tiles := make([]maptile.Tile, len(list))
	for i, t := range list {
		tiles[i] = maptile.New(t[0], t[1], maptile.Zoom(t[2]))
	}
	return tiles, nil
}

//patchSlabs patch 修改过的 slab，按首次出现顺序去重
func patchSlabs(c *Cache, features ...*geojson.Feature) ([]SlabPath, error) {
	p := c.Pyramid()
	seen := make(map[string]bool)
	var slabs []SlabPath
	for _, f := range features {
		tiles, err := patchTiles(f)
		if err != nil {
			return nil, err
		}
		for _, t := range tiles {
			a, err := p.ResolveSlab(t)
			if err != nil {
				return nil, err
			}
			sp, err := c.SlabPathOf(a)
			if err != nil {
				return nil, err
			}
			if !seen[sp.Key()] {
				seen[sp.Key()] = true
				slabs = append(slabs, sp)
			}
		}
	}
	return slabs, nil
}

//reencode 属性值经 JSON 转换为目标类型，兼容内存中与数据库读出的两种形态
func reencode(v interface{}, out interface{}) error {
	if v == nil {
		return fmt.Errorf("missing")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
