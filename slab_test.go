package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabLayout(t *testing.T) {
	l := slabLayout{edge: 16, tile: 4, levels: 3}
	assert.Equal(t, image.Rect(0, 0, 24, 16), l.Bounds())
	assert.Equal(t, image.Rect(0, 0, 16, 16), l.LevelRect(0))
	assert.Equal(t, image.Rect(16, 0, 24, 8), l.LevelRect(1))
	assert.Equal(t, image.Rect(16, 8, 20, 12), l.LevelRect(2))

	assert.Equal(t, image.Rect(4, 8, 8, 12), l.TileRect(SlabAddress{LocalX: 1, LocalY: 2}))
	assert.Equal(t, image.Rect(20, 4, 24, 8), l.TileRect(SlabAddress{LocalX: 1, LocalY: 1, Level: 1}))
	assert.Equal(t, image.Rect(16, 8, 20, 12), l.TileRect(SlabAddress{Level: 2}))

	single := slabLayout{edge: 4, tile: 4, levels: 1}
	assert.Equal(t, image.Rect(0, 0, 4, 4), single.Bounds())
}

func TestWriteReadSlab(t *testing.T) {
	l := slabLayout{edge: 16, tile: 4, levels: 3}
	img := l.blank()
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 7, A: 255})
		}
	}
	l.BuildOverviews(img)
	assert.Equal(t, uint8(255), img.NRGBAAt(16, 0).A)
	assert.Equal(t, uint8(7), img.NRGBAAt(16, 8).B)

	path := filepath.Join(t.TempDir(), "ortho", "4", "00", "00.tif")
	size, err := writeSlab(path, img)
	require.NoError(t, err)
	assert.Positive(t, size)

	got, err := readSlab(path)
	require.NoError(t, err)
	assert.True(t, samePixels(img, got))

	tile := cropTile(got, l.TileRect(SlabAddress{LocalX: 1, LocalY: 1}))
	assert.Equal(t, image.Rect(0, 0, 4, 4), tile.Bounds())
	assert.Equal(t, img.NRGBAAt(4, 4), tile.NRGBAAt(0, 0))
	assert.Equal(t, [3]uint8{64, 64, 7}, rgbAt(got, 4, 4))
}

func TestSlabCache(t *testing.T) {
	sc, err := NewSlabCache(2)
	require.NoError(t, err)

	img, err := sc.Load(filepath.Join(t.TempDir(), "missing.tif"))
	require.NoError(t, err)
	assert.Nil(t, img)

	l := slabLayout{edge: 4, tile: 4, levels: 1}
	path := filepath.Join(t.TempDir(), "00.tif")
	_, err = writeSlab(path, l.blank())
	require.NoError(t, err)

	first, err := sc.Load(path)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := sc.Load(path)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSlabCacheRelink(t *testing.T) {
	sc, err := NewSlabCache(4)
	require.NoError(t, err)
	dir := t.TempDir()
	l := slabLayout{edge: 4, tile: 4, levels: 1}
	canonical := filepath.Join(dir, "3_00.tif")
	patch := filepath.Join(dir, "3_00_2.tif")
	writeTestSlab(t, canonical, l, photoA)
	writeTestSlab(t, patch, l, photoB)
	// 同一时刻写出的两个文件
	ts := time.Now().Truncate(time.Second)
	require.NoError(t, os.Chtimes(canonical, ts, ts))
	require.NoError(t, os.Chtimes(patch, ts, ts))

	img, err := sc.Load(canonical)
	require.NoError(t, err)
	assert.Equal(t, photoA, img.NRGBAAt(0, 0))

	require.NoError(t, relink(patch, canonical))
	img, err = sc.Load(canonical)
	require.NoError(t, err)
	assert.Equal(t, photoB, img.NRGBAAt(0, 0))
}
