package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

//OverviewsFile 缓存描述文件
const OverviewsFile = "overviews.json"

//SlabExt slab 文件扩展名
const SlabExt = ".tif"

//CRS 坐标系
type CRS struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

func (c CRS) String() string {
	return fmt.Sprintf("%s:%d", c.Type, c.Code)
}

//OPI 原始影像，颜色在缓存内唯一
type OPI struct {
	Name  string   `json:"-"`
	Color [3]uint8 `json:"color"`
	Date  string   `json:"date,omitempty"`
	Time  string   `json:"time_ut,omitempty"`
}

//Cache 只读的基础镶嵌缓存
type Cache struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Identifier string `json:"identifier"`
	CRS        CRS    `json:"crs"`
	// Resolution 0 级分辨率
	Resolution float64 `json:"resolution"`
	Origin     struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"origin"`
	BoundingBox struct {
		XMin float64 `json:"xmin"`
		YMin float64 `json:"ymin"`
		XMax float64 `json:"xmax"`
		YMax float64 `json:"ymax"`
	} `json:"boundingBox"`
	TileSize  int `json:"tileSize"`
	SlabSize  int `json:"slabSize"`
	PathDepth int `json:"pathDepth"`
	Level     struct {
		Min int `json:"min"`
		Max int `json:"max"`
	} `json:"level"`
	OPI map[string]*OPI `json:"list_OPI"`

	colors map[[3]uint8]*OPI
}

//LoadCache 读取缓存目录下的 overviews.json
func LoadCache(path string) (*Cache, error) {
	data, err := ioutil.ReadFile(filepath.Join(path, OverviewsFile))
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "cache %s: %s", path, err)
	}
	c := &Cache{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(ErrValidation, "cache %s: %s", path, err)
	}
	c.Path = path
	if c.TileSize == 0 {
		c.TileSize = TileSize
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	if c.SlabSize < 1 || c.SlabSize&(c.SlabSize-1) != 0 {
		return errors.Wrapf(ErrValidation, "cache %s: slab size %d is not a power of two", c.Path, c.SlabSize)
	}
	if c.Resolution <= 0 {
		return errors.Wrapf(ErrValidation, "cache %s: resolution must be positive", c.Path)
	}
	if c.Level.Min < 0 || c.Level.Min > c.Level.Max {
		return errors.Wrapf(ErrValidation, "cache %s: bad level range [%d,%d]", c.Path, c.Level.Min, c.Level.Max)
	}
	c.colors = make(map[[3]uint8]*OPI, len(c.OPI))
	for name, opi := range c.OPI {
		opi.Name = name
		if prev, ok := c.colors[opi.Color]; ok {
			return errors.Wrapf(ErrValidation, "cache %s: opi %s and %s share color %v", c.Path, prev.Name, name, opi.Color)
		}
		c.colors[opi.Color] = opi
	}
	return nil
}

//OPIByColor 按颜色精确匹配原始影像
func (c *Cache) OPIByColor(color [3]uint8) (*OPI, bool) {
	opi, ok := c.colors[color]
	return opi, ok
}

//SlabPathOf 由瓦片地址得到 slab 路径
func (c *Cache) SlabPathOf(a SlabAddress) (SlabPath, error) {
	return PathOfSlab(a.Slab, c.PathDepth)
}

//OrigFile 共享的原始 slab
func (c *Cache) OrigFile(layer string, sp SlabPath) string {
	return filepath.Join(c.Path, layer, sp.Dir, sp.File+SlabExt)
}

//BranchFile 分支的规范文件名，读取时总是解引用它
func (c *Cache) BranchFile(layer string, branchID int64, sp SlabPath) string {
	return filepath.Join(c.Path, layer, sp.Dir, fmt.Sprintf("%d_%s%s", branchID, sp.File, SlabExt))
}

//PatchFile 某次修改生成的文件
func (c *Cache) PatchFile(layer string, branchID int64, sp SlabPath, patchID int) string {
	return filepath.Join(c.Path, layer, sp.Dir, fmt.Sprintf("%d_%s_%d%s", branchID, sp.File, patchID, SlabExt))
}

//HistoryFile 历史链文件
func (c *Cache) HistoryFile(layer string, branchID int64, sp SlabPath) string {
	return filepath.Join(c.Path, layer, sp.Dir, fmt.Sprintf("%d_%s_history", branchID, sp.File))
}

//OPIFile 原始影像在 slab 上的切片，与分支无关
func (c *Cache) OPIFile(sp SlabPath, opiName string) string {
	return filepath.Join(c.Path, LayerOPI, sp.Dir, fmt.Sprintf("%s_%s%s", sp.File, opiName, SlabExt))
}

//entryFile 历史链条目对应的文件
func (c *Cache) entryFile(layer string, branchID int64, sp SlabPath, entry string) (string, error) {
	if entry == origEntry {
		return c.OrigFile(layer, sp), nil
	}
	id, err := strconv.Atoi(entry)
	if err != nil {
		return "", errors.Wrapf(ErrStorageInconsistency, "bad history entry %q for %s", entry, sp)
	}
	return c.PatchFile(layer, branchID, sp, id), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
