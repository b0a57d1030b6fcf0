package main

import (
	"context"
	"image"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//PatchState patch 流水线状态
type PatchState int

// 状态依次推进，任一非终态都可能转入 StateFailed
const (
	StatePlanning PatchState = iota
	StateMasking
	StateCompositing
	StatePublishing
	StateCommitted
	StateFailed
)

var stateNames = [...]string{"planning", "masking", "compositing", "publishing", "committed", "failed"}

func (s PatchState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// graph 与 ortho 总是一起发布
var patchLayers = []string{LayerGraph, LayerOrtho}

//PatchPipeline 把多边形修改转换为逐瓦片的像素修改并发布
type PatchPipeline struct {
	reg     *Registry
	workers int
}

//NewPatchPipeline workers 为掩膜与合成阶段的协程池大小
func NewPatchPipeline(reg *Registry, workers int) *PatchPipeline {
	return &PatchPipeline{reg: reg, workers: workers}
}

type tileTask struct {
	tile maptile.Tile
	addr SlabAddress
	path SlabPath
}

type maskedTile struct {
	tileTask
	mask     *Mask
	graph    string
	ortho    string
	photo    string
	withOrig bool
}

//slabTask 一个 slab 文件是一个写入单元
type slabTask struct {
	path     SlabPath
	tiles    []maskedTile
	graph    string
	ortho    string
	photo    string
	withOrig bool
}

type patchRun struct {
	pipeline *PatchPipeline
	cache    *Cache
	branch   Branch
	id       int
	req      PatchRequest
	state    PatchState
	tiles    []tileTask
	masked   []maskedTile
	slabs    []slabTask
	logger   *log.Entry
}

//Apply 执行一次修改。各阶段之间是屏障：全部掩膜成功后才开始合成，全部合成成功后才开始发布
func (p *PatchPipeline) Apply(ctx context.Context, c *Cache, b Branch, req PatchRequest) (*geojson.Feature, error) {
	if b.IsOrig() {
		return nil, errors.Wrapf(ErrConflict, "branch %s is protected", b.Name)
	}
	if err := validGeometry(req.Geometry); err != nil {
		return nil, err
	}
	id, err := p.reg.NextPatchID(b.ID)
	if err != nil {
		return nil, err
	}
	run := &patchRun{
		pipeline: p,
		cache:    c,
		branch:   b,
		id:       id,
		req:      req,
		logger:   log.WithFields(log.Fields{"branch": b.ID, "patch": id}),
	}
	return run.execute(ctx)
}

//Replay 按原有的几何、颜色与影像重新应用一个 patch，分配新的编号
func (p *PatchPipeline) Replay(ctx context.Context, c *Cache, b Branch, f *geojson.Feature) (*geojson.Feature, error) {
	req, err := requestOf(f)
	if err != nil {
		return nil, err
	}
	return p.Apply(ctx, c, b, req)
}

func (r *patchRun) enter(s PatchState) {
	r.state = s
	r.logger.Debugf("%s ~", s)
}

func (r *patchRun) execute(ctx context.Context) (*geojson.Feature, error) {
	start := time.Now()
	steps := []struct {
		state PatchState
		run   func(context.Context) error
	}{
		{StatePlanning, r.plan},
		{StateMasking, r.maskTiles},
		{StateCompositing, r.composite},
		{StatePublishing, r.publish},
	}
	for _, step := range steps {
		r.enter(step.state)
		if err := step.run(ctx); err != nil {
			failedIn := r.state
			r.enter(StateFailed)
			if failedIn == StateCompositing {
				r.cleanup()
			}
			r.logger.Errorf("patch failed in %s: %s", failedIn, err)
			return nil, err
		}
	}
	f, err := r.commit()
	if err != nil {
		r.enter(StateFailed)
		r.logger.Errorf("patch failed in commit: %s", err)
		return nil, err
	}
	r.enter(StateCommitted)
	r.logger.Infof("patch %d committed, %d tiles in %d slabs, %.3fs ~", r.id, len(r.masked), len(r.slabs), time.Since(start).Seconds())
	return f, nil
}

//plan 计算所有级别上外包框覆盖的瓦片
func (r *patchRun) plan(_ context.Context) error {
	c := r.cache
	p := c.Pyramid()
	for _, t := range c.EnumerateTiles(r.req.Geometry.Bound(), c.Level.Min, c.Level.Max) {
		a, err := p.ResolveSlab(t)
		if err != nil {
			return err
		}
		sp, err := c.SlabPathOf(a)
		if err != nil {
			return err
		}
		r.tiles = append(r.tiles, tileTask{tile: t, addr: a, path: sp})
	}
	if len(r.tiles) == 0 {
		return errors.Wrap(ErrValidation, "geometry is outside the cache")
	}
	return nil
}

func (r *patchRun) maskTiles(ctx context.Context) error {
	// 掩膜阶段开始后不再响应取消，只接受整体成功或失败
	results, err := runPool(context.WithoutCancel(ctx), r.pipeline.workers, r.tiles, r.maskTile)
	if err != nil {
		return err
	}
	for _, m := range results {
		if m.mask != nil {
			r.masked = append(r.masked, m)
		}
	}
	if len(r.masked) == 0 {
		return errors.Wrap(ErrValidation, "geometry does not cover any pixel")
	}

	index := make(map[string]int)
	for _, m := range r.masked {
		key := m.path.Key()
		i, ok := index[key]
		if !ok {
			i = len(r.slabs)
			index[key] = i
			r.slabs = append(r.slabs, slabTask{
				path:     m.path,
				graph:    m.graph,
				ortho:    m.ortho,
				photo:    m.photo,
				withOrig: m.withOrig,
			})
		}
		r.slabs[i].tiles = append(r.slabs[i].tiles, m)
	}
	return nil
}

func (r *patchRun) maskTile(_ context.Context, t tileTask) (maskedTile, error) {
	c := r.cache
	m := RasterizeMask(r.req.Geometry, c.TileBounds(t.tile), c.ResolutionAt(int(t.tile.Z)))
	if m == nil {
		return maskedTile{}, nil
	}
	photo := c.OPIFile(t.path, r.req.OPI)
	if !fileExists(photo) {
		return maskedTile{}, errors.Wrapf(ErrFileMissing, "opi %s for tile %s: %s", r.req.OPI, tileString(t.tile), photo)
	}
	mt := maskedTile{tileTask: t, mask: m, photo: photo}
	mt.graph, mt.ortho, mt.withOrig = branchSources(c, r.branch, t.path)
	return mt, nil
}

//branchSources 分支当前的 graph/ortho，没有分支版本时回退到原始文件
func branchSources(c *Cache, b Branch, sp SlabPath) (graph, ortho string, withOrig bool) {
	graph = c.BranchFile(LayerGraph, b.ID, sp)
	if !fileExists(graph) {
		graph, withOrig = c.OrigFile(LayerGraph, sp), true
	}
	ortho = c.BranchFile(LayerOrtho, b.ID, sp)
	if !fileExists(ortho) {
		ortho, withOrig = c.OrigFile(LayerOrtho, sp), true
	}
	return graph, ortho, withOrig
}

func (r *patchRun) composite(ctx context.Context) error {
	_, err := runPool(context.WithoutCancel(ctx), r.pipeline.workers, r.slabs, r.compositeSlab)
	return err
}

//compositeSlab 掩膜内 graph 写入影像颜色，ortho 复制原始影像像素，结果写入带 patch 编号的新文件
func (r *patchRun) compositeSlab(_ context.Context, s slabTask) (int64, error) {
	c := r.cache
	layout := layoutOf(c)
	graph, err := loadOrBlank(s.graph, layout)
	if err != nil {
		return 0, err
	}
	ortho, err := loadOrBlank(s.ortho, layout)
	if err != nil {
		return 0, err
	}
	photo, err := readSlab(s.photo)
	if os.IsNotExist(err) {
		return 0, errors.Wrapf(ErrFileMissing, "opi %s: %s", r.req.OPI, s.photo)
	}
	if err != nil {
		return 0, err
	}
	if photo.Bounds() != layout.Bounds() || graph.Bounds() != layout.Bounds() || ortho.Bounds() != layout.Bounds() {
		return 0, errors.Wrapf(ErrCacheCorruption, "slab %s does not match the cache layout %v", s.path, layout.Bounds())
	}

	color := nrgbaOf(r.req.Color)
	for _, t := range s.tiles {
		rect := layout.TileRect(t.addr)
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				if !t.mask.Covers(x, y) {
					continue
				}
				px, py := rect.Min.X+x, rect.Min.Y+y
				graph.SetNRGBA(px, py, color)
				ortho.SetNRGBA(px, py, photo.NRGBAAt(px, py))
			}
		}
	}

	size, err := writeSlab(c.PatchFile(LayerGraph, r.branch.ID, s.path, r.id), graph)
	if err != nil {
		return 0, err
	}
	n, err := writeSlab(c.PatchFile(LayerOrtho, r.branch.ID, s.path, r.id), ortho)
	if err != nil {
		return 0, err
	}
	size += n
	r.logger.Debugf("slab %s composited, %d tiles, orig %v, %s ~", s.path, len(s.tiles), s.withOrig, humanize.Bytes(uint64(size)))
	return size, nil
}

func loadOrBlank(path string, layout slabLayout) (*image.NRGBA, error) {
	img, err := readSlab(path)
	if os.IsNotExist(err) {
		return layout.blank(), nil
	}
	return img, err
}

//cleanup 合成失败时删除已写出的文件
func (r *patchRun) cleanup() {
	for _, s := range r.slabs {
		for _, layer := range patchLayers {
			if err := removeIfExists(r.cache.PatchFile(layer, r.branch.ID, s.path, r.id)); err != nil {
				r.logger.Warnf("cleanup %s: %s", s.path, err)
			}
		}
	}
}

//publish 逐个 slab 追加历史并把规范文件名链接到新文件。
// 已发布的 slab 不回滚，失败时报告存储不一致
func (r *patchRun) publish(_ context.Context) error {
	c := r.cache
	for i, s := range r.slabs {
		for _, layer := range patchLayers {
			hp := c.HistoryFile(layer, r.branch.ID, s.path)
			h, err := readHistory(hp)
			if err == nil {
				err = writeHistory(hp, h.Append(r.id))
			}
			if err == nil {
				err = relink(c.PatchFile(layer, r.branch.ID, s.path, r.id), c.BranchFile(layer, r.branch.ID, s.path))
			}
			if err != nil {
				return errors.Wrapf(ErrStorageInconsistency, "patch %d published on %d of %d slabs, %s/%s: %s", r.id, i, len(r.slabs), layer, s.path, err)
			}
		}
	}
	return nil
}

func (r *patchRun) commit() (*geojson.Feature, error) {
	tiles := make([]maptile.Tile, len(r.masked))
	for i, m := range r.masked {
		tiles[i] = m.tile
	}
	f := newPatchFeature(r.id, r.req, tiles)
	discarded, err := r.pipeline.reg.CommitPatch(r.branch.ID, f)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageInconsistency, "patch %d published but not recorded: %s", r.id, err)
	}
	r.pipeline.discard(r.cache, r.branch, discarded)
	return f, nil
}

//discard 删除不再可达的 patch 文件
func (p *PatchPipeline) discard(c *Cache, b Branch, features []*geojson.Feature) {
	for _, f := range features {
		id := patchID(f)
		slabs, err := patchSlabs(c, f)
		if err != nil {
			log.Warnf("discard patch %d on branch %d: %s", id, b.ID, err)
			continue
		}
		for _, sp := range slabs {
			for _, layer := range patchLayers {
				if err := removeIfExists(c.PatchFile(layer, b.ID, sp, id)); err != nil {
					log.Warnf("discard patch %d on branch %d: %s", id, b.ID, err)
				}
			}
		}
		log.Debugf("patch %d on branch %d discarded ~", id, b.ID)
	}
}

//Undo 撤销最后一个 patch：每个 slab 的历史链去掉末项，规范文件名指回新的末项
func (p *PatchPipeline) Undo(c *Cache, b Branch) (int, error) {
	active, err := p.reg.Patches(b.ID, PatchActive)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, ErrNothingToUndo
	}
	f := active[len(active)-1]
	id := patchID(f)
	slabs, err := patchSlabs(c, f)
	if err != nil {
		return 0, err
	}
	for _, sp := range slabs {
		for _, layer := range patchLayers {
			if err := rewind(c, b, layer, sp, id); err != nil {
				log.Errorf("undo patch %d on branch %d: %s", id, b.ID, err)
				return 0, err
			}
		}
	}
	if err := p.reg.SetPatchState(b.ID, id, PatchUndone); err != nil {
		return 0, err
	}
	log.Infof("patch %d on branch %d undone ~", id, b.ID)
	return id, nil
}

func rewind(c *Cache, b Branch, layer string, sp SlabPath, id int) error {
	hp := c.HistoryFile(layer, b.ID, sp)
	h, err := readHistory(hp)
	if err != nil {
		return err
	}
	if h.Last() != strconv.Itoa(id) {
		return errors.Wrapf(ErrStorageInconsistency, "history of %s/%s ends with %q, expected patch %d", layer, sp, h.Last(), id)
	}
	h = h[:len(h)-1]
	canonical := c.BranchFile(layer, b.ID, sp)
	if h.Pristine() {
		if err := removeIfExists(canonical); err != nil {
			return err
		}
		return writeHistory(hp, h)
	}
	target, err := c.entryFile(layer, b.ID, sp, h.Last())
	if err != nil {
		return err
	}
	if err := relink(target, canonical); err != nil {
		return errors.Wrapf(ErrStorageInconsistency, "relink %s: %s", canonical, err)
	}
	return writeHistory(hp, h)
}

//Redo 重做最近撤销的 patch，编号与文件都不变
func (p *PatchPipeline) Redo(c *Cache, b Branch) (int, error) {
	undone, err := p.reg.Patches(b.ID, PatchUndone)
	if err != nil {
		return 0, err
	}
	if len(undone) == 0 {
		return 0, ErrNothingToRedo
	}
	// 撤销总是从编号最大的开始，最近撤销的就是编号最小的
	f := undone[0]
	id := patchID(f)
	slabs, err := patchSlabs(c, f)
	if err != nil {
		return 0, err
	}
	for _, sp := range slabs {
		for _, layer := range patchLayers {
			if err := forward(c, b, layer, sp, id); err != nil {
				log.Errorf("redo patch %d on branch %d: %s", id, b.ID, err)
				return 0, err
			}
		}
	}
	if err := p.reg.SetPatchState(b.ID, id, PatchActive); err != nil {
		return 0, err
	}
	log.Infof("patch %d on branch %d redone ~", id, b.ID)
	return id, nil
}

func forward(c *Cache, b Branch, layer string, sp SlabPath, id int) error {
	target := c.PatchFile(layer, b.ID, sp, id)
	if !fileExists(target) {
		return errors.Wrapf(ErrStorageInconsistency, "redo file %s is gone", target)
	}
	hp := c.HistoryFile(layer, b.ID, sp)
	h, err := readHistory(hp)
	if err != nil {
		return err
	}
	if err := relink(target, c.BranchFile(layer, b.ID, sp)); err != nil {
		return errors.Wrapf(ErrStorageInconsistency, "relink %s: %s", target, err)
	}
	return writeHistory(hp, h.Append(id))
}

//Clear 撤销全部 patch 并丢弃，分支回到初始状态。
// 没有生效的 patch 时只丢弃待重做的，返回 ErrNothingToClear
func (p *PatchPipeline) Clear(c *Cache, b Branch) ([]int, error) {
	active, err := p.reg.Patches(b.ID, PatchActive)
	if err != nil {
		return nil, err
	}
	var ids []int
	for {
		id, err := p.Undo(c, b)
		if errors.Is(err, ErrNothingToUndo) {
			break
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	undone, err := p.reg.Patches(b.ID, PatchUndone)
	if err != nil {
		return ids, err
	}
	p.discard(c, b, undone)
	if err := p.reg.DeletePatches(b.ID, PatchUndone); err != nil {
		return ids, err
	}
	if len(active) == 0 {
		return nil, ErrNothingToClear
	}
	log.Infof("branch %d cleared, %d patches undone ~", b.ID, len(ids))
	return ids, nil
}
