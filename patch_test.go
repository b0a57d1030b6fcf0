package main

import (
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tileZ4 = maptile.New(0, 0, 4)
	tileZ3 = maptile.New(0, 0, 3)
)

func TestApplyPatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	orig := env.orig(t)
	before := env.readTile(t, b, LayerGraph, tileZ4)

	f := env.apply(t, b, smallSquare, opiB)
	assert.Equal(t, 1, patchID(f))
	tiles, err := patchTiles(f)
	require.NoError(t, err)
	assert.ElementsMatch(t, []maptile.Tile{tileZ4, tileZ3, maptile.New(0, 0, 2)}, tiles)

	graph := env.readTile(t, b, LayerGraph, tileZ4)
	assert.Equal(t, nrgbaOf(colorB), graph.NRGBAAt(1, 1))
	assert.Equal(t, nrgbaOf(colorB), graph.NRGBAAt(2, 2))
	assert.Equal(t, nrgbaOf(colorA), graph.NRGBAAt(0, 0))
	assert.Equal(t, nrgbaOf(colorA), graph.NRGBAAt(3, 3))

	ortho := env.readTile(t, b, LayerOrtho, tileZ4)
	assert.Equal(t, photoB, ortho.NRGBAAt(1, 1))
	assert.Equal(t, orthoGrey, ortho.NRGBAAt(0, 0))

	coarse := env.readTile(t, b, LayerGraph, tileZ3)
	assert.Equal(t, nrgbaOf(colorB), coarse.NRGBAAt(1, 1))
	assert.Equal(t, nrgbaOf(colorA), coarse.NRGBAAt(0, 0))

	// orig 不受影响
	assert.True(t, samePixels(before, env.readTile(t, orig, LayerGraph, tileZ4)))

	active, err := env.reg.Patches(b.ID, PatchActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, opiB, active[0].Properties.MustString("opiName"))
}

func TestApplyPatchOnOrig(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.Apply(context.Background(), env.cache, env.orig(t), PatchRequest{Geometry: smallSquare, Color: colorA, OPI: opiA})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestApplyPatchMissingPhoto(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	_, err := env.pipeline.Apply(context.Background(), env.cache, b, PatchRequest{Geometry: square(49, 61, 51, 63), Color: colorB, OPI: opiB})
	assert.True(t, errors.Is(err, ErrFileMissing))
	assert.Equal(t, 404, httpStatus(err))

	active, err := env.reg.Patches(b.ID, PatchActive)
	require.NoError(t, err)
	assert.Empty(t, active)
	id, err := env.reg.NextPatchID(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestUndoRedo(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	before := env.readTile(t, b, LayerGraph, tileZ4)
	beforeOrtho := env.readTile(t, b, LayerOrtho, tileZ4)

	_, err := env.pipeline.Undo(env.cache, b)
	assert.Equal(t, ErrNothingToUndo, err)
	_, err = env.pipeline.Redo(env.cache, b)
	assert.Equal(t, ErrNothingToRedo, err)

	env.apply(t, b, smallSquare, opiB)
	patched := env.readTile(t, b, LayerGraph, tileZ4)

	id, err := env.pipeline.Undo(env.cache, b)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.True(t, samePixels(before, env.readTile(t, b, LayerGraph, tileZ4)))
	assert.True(t, samePixels(beforeOrtho, env.readTile(t, b, LayerOrtho, tileZ4)))

	id, err = env.pipeline.Redo(env.cache, b)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.True(t, samePixels(patched, env.readTile(t, b, LayerGraph, tileZ4)))

	_, err = env.pipeline.Redo(env.cache, b)
	assert.Equal(t, ErrNothingToRedo, err)
}

func TestUndoRestoresPreviousPatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")

	env.apply(t, b, smallSquare, opiB)
	first := env.readTile(t, b, LayerGraph, tileZ4)
	f := env.apply(t, b, square(0.5, 60.5, 3.5, 63.5), opiA)
	assert.Equal(t, 2, patchID(f))
	assert.False(t, samePixels(first, env.readTile(t, b, LayerGraph, tileZ4)))

	id, err := env.pipeline.Undo(env.cache, b)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	assert.True(t, samePixels(first, env.readTile(t, b, LayerGraph, tileZ4)))

	h, err := readHistory(env.cache.HistoryFile(LayerGraph, b.ID, SlabPath{Dir: "4/00", File: "00"}))
	require.NoError(t, err)
	assert.Equal(t, History{origEntry, "1"}, h)
}

func TestNewPatchDiscardsRedo(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	sp, err := PathOf(0, 0, 4, env.cache.PathDepth)
	require.NoError(t, err)

	env.apply(t, b, smallSquare, opiB)
	_, err = env.pipeline.Undo(env.cache, b)
	require.NoError(t, err)
	assert.FileExists(t, env.cache.PatchFile(LayerGraph, b.ID, sp, 1))

	f := env.apply(t, b, smallSquare, opiA)
	assert.Equal(t, 2, patchID(f))
	assert.NoFileExists(t, env.cache.PatchFile(LayerGraph, b.ID, sp, 1))
	assert.NoFileExists(t, env.cache.PatchFile(LayerOrtho, b.ID, sp, 1))

	_, err = env.pipeline.Redo(env.cache, b)
	assert.Equal(t, ErrNothingToRedo, err)
	undone, err := env.reg.Patches(b.ID, PatchUndone)
	require.NoError(t, err)
	assert.Empty(t, undone)
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	before := env.readTile(t, b, LayerGraph, tileZ4)
	sp, err := PathOf(0, 0, 4, env.cache.PathDepth)
	require.NoError(t, err)

	_, err = env.pipeline.Clear(env.cache, b)
	assert.Equal(t, ErrNothingToClear, err)

	env.apply(t, b, smallSquare, opiB)
	env.apply(t, b, square(0.5, 60.5, 3.5, 63.5), opiA)
	ids, err := env.pipeline.Clear(env.cache, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, ids)

	assert.True(t, samePixels(before, env.readTile(t, b, LayerGraph, tileZ4)))
	assert.NoFileExists(t, env.cache.BranchFile(LayerGraph, b.ID, sp))
	assert.NoFileExists(t, env.cache.HistoryFile(LayerGraph, b.ID, sp))
	assert.NoFileExists(t, env.cache.PatchFile(LayerGraph, b.ID, sp, 1))

	_, err = env.pipeline.Undo(env.cache, b)
	assert.Equal(t, ErrNothingToUndo, err)
	_, err = env.pipeline.Redo(env.cache, b)
	assert.Equal(t, ErrNothingToRedo, err)
	_, err = env.pipeline.Clear(env.cache, b)
	assert.Equal(t, ErrNothingToClear, err)
}

func TestClearUndoneOnly(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	sp, err := PathOf(0, 0, 4, env.cache.PathDepth)
	require.NoError(t, err)

	env.apply(t, b, smallSquare, opiB)
	_, err = env.pipeline.Undo(env.cache, b)
	require.NoError(t, err)
	require.FileExists(t, env.cache.PatchFile(LayerGraph, b.ID, sp, 1))

	_, err = env.pipeline.Clear(env.cache, b)
	assert.Equal(t, ErrNothingToClear, err)
	assert.Equal(t, 201, httpStatus(err))
	undone, err := env.reg.Patches(b.ID, PatchUndone)
	require.NoError(t, err)
	assert.Empty(t, undone)
	assert.NoFileExists(t, env.cache.PatchFile(LayerGraph, b.ID, sp, 1))
	assert.NoFileExists(t, env.cache.PatchFile(LayerOrtho, b.ID, sp, 1))
	_, err = env.pipeline.Redo(env.cache, b)
	assert.Equal(t, ErrNothingToRedo, err)
}

// 横跨 4 级 (2,0) 与 (3,0) 两个 slab，按此顺序合成与发布
var twoSlabs = square(45, 61, 51, 63)

func twoSlabPaths(t *testing.T, c *Cache) (SlabPath, SlabPath) {
	first, err := PathOf(2, 0, 4, c.PathDepth)
	require.NoError(t, err)
	second, err := PathOf(3, 0, 4, c.PathDepth)
	require.NoError(t, err)
	return first, second
}

func TestCompositeFailureCleanup(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	first, second := twoSlabPaths(t, env.cache)
	require.NoError(t, ioutil.WriteFile(env.cache.OPIFile(second, opiA), []byte("not a tiff"), 0644))

	_, err := env.pipeline.Apply(context.Background(), env.cache, b, PatchRequest{Geometry: twoSlabs, Color: colorA, OPI: opiA})
	require.Error(t, err)
	for _, sp := range []SlabPath{first, second} {
		for _, layer := range patchLayers {
			assert.NoFileExists(t, env.cache.PatchFile(layer, b.ID, sp, 1))
			assert.NoFileExists(t, env.cache.BranchFile(layer, b.ID, sp))
		}
	}
	active, err := env.reg.Patches(b.ID, PatchActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPublishFailure(t *testing.T) {
	env := newTestEnv(t)
	b := env.branch(t, "b1")
	first, second := twoSlabPaths(t, env.cache)
	// 历史链路径被目录占用，第二个 slab 发布失败
	require.NoError(t, os.MkdirAll(env.cache.HistoryFile(LayerGraph, b.ID, second), os.ModePerm))

	_, err := env.pipeline.Apply(context.Background(), env.cache, b, PatchRequest{Geometry: twoSlabs, Color: colorA, OPI: opiA})
	assert.True(t, errors.Is(err, ErrStorageInconsistency))
	assert.Equal(t, 500, httpStatus(err))
	assert.Contains(t, err.Error(), "published on 1 of 2 slabs")

	for _, layer := range patchLayers {
		assert.FileExists(t, env.cache.BranchFile(layer, b.ID, first))
		h, err := readHistory(env.cache.HistoryFile(layer, b.ID, first))
		require.NoError(t, err)
		assert.Equal(t, History{origEntry, "1"}, h)
		assert.NoFileExists(t, env.cache.BranchFile(layer, b.ID, second))
	}
	active, err := env.reg.Patches(b.ID, PatchActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReplay(t *testing.T) {
	env := newTestEnv(t)
	b1 := env.branch(t, "b1")
	b2 := env.branch(t, "b2")

	f := env.apply(t, b1, smallSquare, opiB)
	nf, err := env.pipeline.Replay(context.Background(), env.cache, b2, f)
	require.NoError(t, err)
	assert.Equal(t, 1, patchID(nf))
	assert.True(t, samePixels(env.readTile(t, b1, LayerGraph, tileZ4), env.readTile(t, b2, LayerGraph, tileZ4)))
	assert.True(t, samePixels(env.readTile(t, b1, LayerOrtho, tileZ4), env.readTile(t, b2, LayerOrtho, tileZ4)))
}

func TestPatchState(t *testing.T) {
	assert.Equal(t, "masking", StateMasking.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", PatchState(42).String())
}
