package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//BranchStore 分支元数据、编辑锁与分支生命周期
type BranchStore struct {
	reg      *Registry
	pipeline *PatchPipeline
	procs    *ProcessQueue

	mu     sync.Mutex
	caches map[int64]*Cache
	locks  map[int64]*sync.Mutex
}

//NewBranchStore 创建
func NewBranchStore(reg *Registry, pipeline *PatchPipeline, procs *ProcessQueue) *BranchStore {
	return &BranchStore{
		reg:      reg,
		pipeline: pipeline,
		procs:    procs,
		caches:   make(map[int64]*Cache),
		locks:    make(map[int64]*sync.Mutex),
	}
}

//AddCache 登记缓存，同时保证 orig 分支存在
func (bs *BranchStore) AddCache(name string, c *Cache) error {
	id, err := bs.reg.RegisterCache(name, c.Path)
	if err != nil {
		return err
	}
	c.ID, c.Name = id, name
	bs.mu.Lock()
	bs.caches[id] = c
	bs.mu.Unlock()
	log.Infof("cache %s (%s) registered, levels %d-%d, %d opi ~", name, c.Path, c.Level.Min, c.Level.Max, len(c.OPI))
	return nil
}

//Cache 按 id 查询
func (bs *BranchStore) Cache(id int64) (*Cache, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	c, ok := bs.caches[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "cache %d", id)
	}
	return c, nil
}

//Caches 全部缓存，按 id 排序
func (bs *BranchStore) Caches() []*Cache {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	list := make([]*Cache, 0, len(bs.caches))
	for _, c := range bs.caches {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

//Get 分支及其缓存
func (bs *BranchStore) Get(id int64) (Branch, *Cache, error) {
	b, err := bs.reg.Branch(id)
	if err != nil {
		return Branch{}, nil, err
	}
	c, err := bs.Cache(b.CacheID)
	if err != nil {
		return Branch{}, nil, err
	}
	return b, c, nil
}

//List 列出分支
func (bs *BranchStore) List(cacheID int64) ([]Branch, error) {
	return bs.reg.Branches(cacheID)
}

//ActivePatches 当前生效的修改
func (bs *BranchStore) ActivePatches(id int64) (*geojson.FeatureCollection, error) {
	return bs.collection(id, PatchActive)
}

//UndonePatches 可重做的修改
func (bs *BranchStore) UndonePatches(id int64) (*geojson.FeatureCollection, error) {
	return bs.collection(id, PatchUndone)
}

func (bs *BranchStore) collection(id int64, state string) (*geojson.FeatureCollection, error) {
	if _, err := bs.reg.Branch(id); err != nil {
		return nil, err
	}
	features, err := bs.reg.Patches(id, state)
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, features...)
	return fc, nil
}

func (bs *BranchStore) lockOf(id int64) *sync.Mutex {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	m, ok := bs.locks[id]
	if !ok {
		m = &sync.Mutex{}
		bs.locks[id] = m
	}
	return m
}

//withBranch 在分支互斥锁内执行，同一分支上的操作串行
func (bs *BranchStore) withBranch(id int64, fn func(b Branch, c *Cache) error) error {
	m := bs.lockOf(id)
	m.Lock()
	defer m.Unlock()
	b, c, err := bs.Get(id)
	if err != nil {
		return err
	}
	return fn(b, c)
}

//Mutate 修改分支，编辑者不匹配时拒绝而不是排队
func (bs *BranchStore) Mutate(id int64, editor string, fn func(b Branch, c *Cache) error) error {
	return bs.withBranch(id, func(b Branch, c *Cache) error {
		if err := checkOwner(b, editor); err != nil {
			return err
		}
		return fn(b, c)
	})
}

func checkOwner(b Branch, editor string) error {
	if b.Owner != "" && b.Owner != editor {
		return errors.Wrapf(ErrLocked, "branch %s is owned by %s", b.Name, b.Owner)
	}
	return nil
}

//Create 在缓存上新建空分支
func (bs *BranchStore) Create(cacheID int64, name string) (Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Branch{}, errors.Wrap(ErrValidation, "branch name required")
	}
	if _, err := bs.Cache(cacheID); err != nil {
		return Branch{}, err
	}
	b, err := bs.reg.CreateBranch(cacheID, name)
	if err != nil {
		return Branch{}, err
	}
	log.Infof("branch %d (%s) created on cache %d ~", b.ID, b.Name, cacheID)
	return b, nil
}

//CopyFrom 以源分支当前状态为基线新建分支：复制被修改过的 slab 的历史链与文件，
// 源分支的 patch 作为 baseline 继承，不可撤销
func (bs *BranchStore) CopyFrom(srcID int64, name string) (Branch, error) {
	var nb Branch
	err := bs.withBranch(srcID, func(src Branch, c *Cache) error {
		inherited, err := bs.reg.Patches(src.ID, PatchActive, PatchBaseline)
		if err != nil {
			return err
		}
		slabs, err := patchSlabs(c, inherited...)
		if err != nil {
			return err
		}
		nb, err = bs.Create(src.CacheID, name)
		if err != nil {
			return err
		}
		if err := bs.inherit(c, src, nb, slabs, inherited); err != nil {
			bs.dropCopy(c, nb, slabs)
			return err
		}
		log.Infof("branch %d copied from %d, %d slabs, %d patches ~", nb.ID, src.ID, len(slabs), len(inherited))
		return nil
	})
	if err != nil {
		return Branch{}, err
	}
	return nb, nil
}

func (bs *BranchStore) inherit(c *Cache, src, nb Branch, slabs []SlabPath, inherited []*geojson.Feature) error {
	for _, sp := range slabs {
		for _, layer := range patchLayers {
			if err := copySlab(c, layer, sp, src.ID, nb.ID); err != nil {
				return errors.Wrapf(ErrStorageInconsistency, "copy %s/%s from branch %d: %s", layer, sp, src.ID, err)
			}
		}
	}
	return bs.reg.InsertPatches(nb.ID, PatchBaseline, inherited)
}

//dropCopy 复制失败时撤掉新分支及已链接的文件
func (bs *BranchStore) dropCopy(c *Cache, nb Branch, slabs []SlabPath) {
	for _, sp := range slabs {
		if err := removeBranchFiles(c, nb.ID, sp); err != nil {
			log.Warnf("branch %d rollback on %s: %s", nb.ID, sp, err)
		}
	}
	if err := bs.reg.DeleteBranch(nb.ID); err != nil {
		log.Warnf("branch %d rollback: %s", nb.ID, err)
	}
}

func copySlab(c *Cache, layer string, sp SlabPath, from, to int64) error {
	h, err := readHistory(c.HistoryFile(layer, from, sp))
	if err != nil || h.Pristine() {
		return err
	}
	for _, entry := range h {
		if entry == origEntry {
			continue
		}
		src, err := c.entryFile(layer, from, sp, entry)
		if err != nil {
			return err
		}
		dst, err := c.entryFile(layer, to, sp, entry)
		if err != nil {
			return err
		}
		if err := linkOrCopy(src, dst); err != nil {
			return err
		}
	}
	if err := relink(c.BranchFile(layer, from, sp), c.BranchFile(layer, to, sp)); err != nil {
		return err
	}
	return writeHistory(c.HistoryFile(layer, to, sp), h)
}

//Delete 删除分支。orig 不可删除，仍有生效修改的分支需先清空
func (bs *BranchStore) Delete(id int64, editor string) error {
	return bs.withBranch(id, func(b Branch, c *Cache) error {
		if b.IsOrig() {
			return errors.Wrapf(ErrConflict, "branch %s can not be deleted", b.Name)
		}
		if err := checkOwner(b, editor); err != nil {
			return err
		}
		active, err := bs.reg.Patches(b.ID, PatchActive)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return errors.Wrapf(ErrConflict, "branch %s still has %d active patches, clear it first", b.Name, len(active))
		}
		rest, err := bs.reg.Patches(b.ID, PatchUndone, PatchBaseline)
		if err != nil {
			return err
		}
		slabs, err := patchSlabs(c, rest...)
		if err != nil {
			return err
		}
		for _, sp := range slabs {
			if err := removeBranchFiles(c, b.ID, sp); err != nil {
				return errors.Wrapf(ErrStorageInconsistency, "delete branch %d files on %s: %s", b.ID, sp, err)
			}
		}
		if err := bs.reg.DeleteBranch(b.ID); err != nil {
			return err
		}
		log.Infof("branch %d (%s) deleted ~", b.ID, b.Name)
		return nil
	})
}

//removeBranchFiles 删除分支在 slab 上的所有文件：规范文件、历史链与 patch 文件
func removeBranchFiles(c *Cache, branchID int64, sp SlabPath) error {
	for _, layer := range patchLayers {
		pattern := filepath.Join(c.Path, layer, sp.Dir, fmt.Sprintf("%d_%s*", branchID, sp.File))
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := removeIfExists(m); err != nil {
				return err
			}
		}
	}
	return nil
}

//Lock 把分支交给编辑者独占
func (bs *BranchStore) Lock(id int64, editor string) (Branch, error) {
	if editor == "" {
		return Branch{}, errors.Wrap(ErrValidation, "editor required")
	}
	var locked Branch
	err := bs.withBranch(id, func(b Branch, _ *Cache) error {
		if b.IsOrig() {
			return errors.Wrapf(ErrConflict, "branch %s can not be locked", b.Name)
		}
		if err := checkOwner(b, editor); err != nil {
			return err
		}
		if err := bs.reg.SetOwner(b.ID, editor); err != nil {
			return err
		}
		b.Owner = editor
		locked = b
		return nil
	})
	return locked, err
}

//Unlock 释放编辑锁
func (bs *BranchStore) Unlock(id int64, editor string) (Branch, error) {
	var unlocked Branch
	err := bs.Mutate(id, editor, func(b Branch, _ *Cache) error {
		if err := bs.reg.SetOwner(b.ID, ""); err != nil {
			return err
		}
		b.Owner = ""
		unlocked = b
		return nil
	})
	return unlocked, err
}

//Rebase 把 base 分支生效的修改按顺序逐个重放到 target 分支，作为后台任务执行
func (bs *BranchStore) Rebase(targetID, baseID int64, editor string, progress func(done, total int)) (*Process, error) {
	target, c, err := bs.Get(targetID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(target, editor); err != nil {
		return nil, err
	}
	if target.IsOrig() {
		return nil, errors.Wrapf(ErrConflict, "branch %s is protected", target.Name)
	}
	base, _, err := bs.Get(baseID)
	if err != nil {
		return nil, err
	}
	if base.CacheID != target.CacheID {
		return nil, errors.Wrapf(ErrValidation, "branches %d and %d belong to different caches", targetID, baseID)
	}
	if base.ID == target.ID {
		return nil, errors.Wrap(ErrValidation, "a branch can not be rebased on itself")
	}
	patches, err := bs.reg.Patches(base.ID, PatchActive)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("rebase %s on %s", target.Name, base.Name)
	return bs.procs.Start(name, func() (string, error) {
		var replayed []string
		err := bs.Mutate(target.ID, editor, func(b Branch, _ *Cache) error {
			for i, f := range patches {
				nf, err := bs.pipeline.Replay(context.Background(), c, b, f)
				if err != nil {
					return errors.Wrapf(err, "replay patch %d", patchID(f))
				}
				replayed = append(replayed, fmt.Sprintf("%d->%d", patchID(f), patchID(nf)))
				if progress != nil {
					progress(i+1, len(patches))
				}
			}
			return nil
		})
		return strings.Join(replayed, ","), err
	})
}
