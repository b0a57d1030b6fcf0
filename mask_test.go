package main

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTile = TileBounds{MinX: 0, MaxY: 64, Width: 4, Height: 4}

func TestRasterizeMask(t *testing.T) {
	m := RasterizeMask(smallSquare, testTile, 1)
	require.NotNil(t, m)
	assert.Equal(t, 4, m.Count())
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			inside := x >= 1 && x <= 2 && y >= 1 && y <= 2
			assert.Equal(t, inside, m.Covers(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestRasterizeMaskCoarse(t *testing.T) {
	m := RasterizeMask(smallSquare, testTile, 2)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.Covers(1, 1))

	assert.Nil(t, RasterizeMask(smallSquare, testTile, 8))
}

func TestRasterizeMaskDisjoint(t *testing.T) {
	assert.Nil(t, RasterizeMask(square(20, 20, 30, 30), testTile, 1))
	assert.Nil(t, RasterizeMask(orb.Point{1, 1}, testTile, 1))
}

func TestRasterizeMaskFull(t *testing.T) {
	m := RasterizeMask(square(-10, 50, 20, 80), testTile, 1)
	require.NotNil(t, m)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.True(t, m.Covers(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestRasterizeMaskHole(t *testing.T) {
	outer := square(-1, 59, 5, 65)
	hole := square(1, 61, 3, 63)
	p := orb.Polygon{outer[0], hole[0].Clone()}
	m := RasterizeMask(p, testTile, 1)
	require.NotNil(t, m)
	assert.True(t, m.Covers(0, 0))
	assert.True(t, m.Covers(3, 3))
	assert.False(t, m.Covers(1, 1))
	assert.False(t, m.Covers(2, 2))
}

func TestRasterizeMaskMulti(t *testing.T) {
	mp := orb.MultiPolygon{smallSquare, square(100, 100, 110, 110)}
	m := RasterizeMask(mp, testTile, 1)
	require.NotNil(t, m)
	assert.Equal(t, 4, m.Count())
}
