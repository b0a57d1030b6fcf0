package main

import (
	"fmt"
	"image"
	"image/color"
	"io/ioutil"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

//slabLayout slab 文件内部的多分辨率布局：底层位于左侧，各级概览在右侧一列中自上而下排列
type slabLayout struct {
	edge   int // 底层边长（像素）
	tile   int
	levels int
}

func layoutOf(c *Cache) slabLayout {
	p := c.Pyramid()
	return slabLayout{
		edge:   c.SlabSize * c.TileSize,
		tile:   c.TileSize,
		levels: p.LevelsPerSlab(),
	}
}

func (l slabLayout) Bounds() image.Rectangle {
	w := l.edge
	if l.levels > 1 {
		w += l.edge / 2
	}
	return image.Rect(0, 0, w, l.edge)
}

func (l slabLayout) levelOrigin(level int) image.Point {
	if level == 0 {
		return image.Point{}
	}
	return image.Pt(l.edge, l.edge-l.edge>>uint(level-1))
}

//LevelRect 某一级别在 slab 中占据的区域
func (l slabLayout) LevelRect(level int) image.Rectangle {
	o := l.levelOrigin(level)
	size := l.edge >> uint(level)
	return image.Rect(o.X, o.Y, o.X+size, o.Y+size)
}

//TileRect 瓦片在 slab 中占据的区域
func (l slabLayout) TileRect(a SlabAddress) image.Rectangle {
	o := l.levelOrigin(a.Level)
	x, y := o.X+a.LocalX*l.tile, o.Y+a.LocalY*l.tile
	return image.Rect(x, y, x+l.tile, y+l.tile)
}

func (l slabLayout) blank() *image.NRGBA {
	return image.NewNRGBA(l.Bounds())
}

//BuildOverviews 由底层重采样生成各级概览
func (l slabLayout) BuildOverviews(img *image.NRGBA) {
	base := l.LevelRect(0)
	for level := 1; level < l.levels; level++ {
		xdraw.NearestNeighbor.Scale(img, l.LevelRect(level), img, base, xdraw.Src, nil)
	}
}

//readSlab 解码 slab 文件
func readSlab(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba, nil
	}
	nrgba := image.NewNRGBA(img.Bounds())
	xdraw.Copy(nrgba, image.Point{}, img, img.Bounds(), xdraw.Src, nil)
	return nrgba, nil
}

//writeSlab 先写临时文件再改名，不会截断与之共享 inode 的硬链接
func writeSlab(path string, img *image.NRGBA) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return 0, err
	}
	tmp, err := ioutil.TempFile(dir, ".slab-*")
	if err != nil {
		return 0, err
	}
	err = tiff.Encode(tmp, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, errors.Wrapf(err, "encode %s", path)
	}
	fi, err := os.Stat(tmp.Name())
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return fi.Size(), nil
}

//cropTile 从 slab 中截取瓦片
func cropTile(img image.Image, r image.Rectangle) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(out, image.Point{}, img, r, xdraw.Src, nil)
	return out
}

func rgbAt(img *image.NRGBA, x, y int) [3]uint8 {
	c := img.NRGBAAt(x, y)
	return [3]uint8{c.R, c.G, c.B}
}

func nrgbaOf(rgb [3]uint8) color.NRGBA {
	return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
}

//SlabCache 已解码 slab 的 LRU 缓存，只供只读访问
type SlabCache struct {
	lru *lru.Cache[string, *image.NRGBA]
}

//NewSlabCache 创建缓存
func NewSlabCache(size int) (*SlabCache, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[string, *image.NRGBA](size)
	if err != nil {
		return nil, err
	}
	return &SlabCache{lru: c}, nil
}

//Load 读取 slab，文件不存在时返回 nil, nil。
// 重新链接规范文件会换成另一个 inode，key 以 inode 区分
func (sc *SlabCache) Load(path string) (*image.NRGBA, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%s:%d:%d", path, fileIdentity(fi), fi.ModTime().UnixNano(), fi.Size())
	if img, ok := sc.lru.Get(key); ok {
		return img, nil
	}
	img, err := readSlab(path)
	if err != nil {
		return nil, err
	}
	sc.lru.Add(key, img)
	log.Debugf("slab %s loaded ~", path)
	return img, nil
}
