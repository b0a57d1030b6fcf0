package main

import (
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

//Resolve 瓦片在分支上的物理文件：有分支版本用分支版本，否则用共享的原始文件。
// opi 图层与分支无关。返回的文件不一定存在
func Resolve(c *Cache, b Branch, layer string, t maptile.Tile, opiName string) (string, SlabAddress, error) {
	a, err := c.Pyramid().ResolveSlab(t)
	if err != nil {
		return "", SlabAddress{}, err
	}
	if int(t.Z) < c.Level.Min {
		return "", SlabAddress{}, errors.Wrapf(ErrValidation, "zoom %d not available", t.Z)
	}
	sp, err := c.SlabPathOf(a)
	if err != nil {
		return "", SlabAddress{}, err
	}
	switch layer {
	case LayerOPI:
		if _, ok := c.OPI[opiName]; !ok {
			return "", SlabAddress{}, errors.Wrapf(ErrNotFound, "opi %q", opiName)
		}
		return c.OPIFile(sp, opiName), a, nil
	case LayerGraph, LayerOrtho:
		if !b.IsOrig() {
			if path := c.BranchFile(layer, b.ID, sp); fileExists(path) {
				return path, a, nil
			}
		}
		return c.OrigFile(layer, sp), a, nil
	default:
		return "", SlabAddress{}, errors.Wrapf(ErrValidation, "unknown layer %q", layer)
	}
}
