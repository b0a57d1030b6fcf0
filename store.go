package main

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

//OrigBranch 受保护的原始分支名
const OrigBranch = "orig"

// patch 状态
const (
	PatchActive   = "active"
	PatchUndone   = "undone"
	PatchBaseline = "baseline"
)

//Branch 分支
type Branch struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	CacheID int64  `json:"idCache"`
	Owner   string `json:"owner,omitempty"`
}

//IsOrig 是否原始分支
func (b Branch) IsOrig() bool {
	return b.Name == OrigBranch
}

//Registry 元数据库：缓存、分支、patch、后台任务
type Registry struct {
	db *sql.DB
}

//OpenRegistry 打开或创建元数据库
func OpenRegistry(file string) (*Registry, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "schema")
		}
	}
	return &Registry{db: db}, nil
}

var schema = []string{
	`create table if not exists caches (
		id integer primary key autoincrement,
		name text not null unique,
		path text not null
	);`,
	`create table if not exists branches (
		id integer primary key autoincrement,
		name text not null,
		id_cache integer not null references caches(id),
		owner text not null default '',
		unique (name, id_cache)
	);`,
	`create table if not exists patches (
		id_branch integer not null references branches(id) on delete cascade,
		num integer not null,
		state text not null,
		feature text not null,
		primary key (id_branch, num)
	);`,
	`create table if not exists processes (
		id text primary key,
		name text not null,
		start_date text not null,
		end_date text,
		status text not null,
		result text not null default ''
	);`,
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return err
	}
	return nil
}

//Close 关闭
func (r *Registry) Close() error {
	return r.db.Close()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

//RegisterCache 登记缓存并保证存在 orig 分支
func (r *Registry) RegisterCache(name, path string) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow("select id from caches where name = ?", name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec("insert into caches (name, path) values (?, ?)", name, path)
		if err != nil {
			return 0, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.Exec("update caches set path = ? where id = ?", path, id); err != nil {
			return 0, err
		}
	}
	_, err = tx.Exec("insert or ignore into branches (name, id_cache) values (?, ?)", OrigBranch, id)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

//CreateBranch 新建分支，同一缓存下重名返回 ErrConflict
func (r *Registry) CreateBranch(cacheID int64, name string) (Branch, error) {
	res, err := r.db.Exec("insert into branches (name, id_cache) values (?, ?)", name, cacheID)
	if isUniqueViolation(err) {
		return Branch{}, errors.Wrapf(ErrConflict, "branch %q already exists", name)
	}
	if err != nil {
		return Branch{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Branch{}, err
	}
	return Branch{ID: id, Name: name, CacheID: cacheID}, nil
}

//Branch 按 id 查询
func (r *Registry) Branch(id int64) (Branch, error) {
	b := Branch{ID: id}
	err := r.db.QueryRow("select name, id_cache, owner from branches where id = ?", id).Scan(&b.Name, &b.CacheID, &b.Owner)
	if err == sql.ErrNoRows {
		return Branch{}, errors.Wrapf(ErrNotFound, "branch %d", id)
	}
	return b, err
}

//Branches 列出分支，cacheID 为 0 时列出全部
func (r *Registry) Branches(cacheID int64) ([]Branch, error) {
	rows, err := r.db.Query("select id, name, id_cache, owner from branches where ? = 0 or id_cache = ? order by id", cacheID, cacheID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.CacheID, &b.Owner); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

//DeleteBranch 删除分支及其 patch 记录
func (r *Registry) DeleteBranch(id int64) error {
	_, err := r.db.Exec("delete from branches where id = ?", id)
	return err
}

//SetOwner 设置编辑者，空串表示解锁
func (r *Registry) SetOwner(id int64, owner string) error {
	_, err := r.db.Exec("update branches set owner = ? where id = ?", owner, id)
	return err
}

//Patches 按编号升序返回指定状态的 patch
func (r *Registry) Patches(branchID int64, states ...string) ([]*geojson.Feature, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := "select feature from patches where id_branch = ? and state in (?" + strings.Repeat(",?", len(states)-1) + ") order by num"
	args := []interface{}{branchID}
	for _, s := range states {
		args = append(args, s)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*geojson.Feature
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, errors.Wrapf(ErrStorageInconsistency, "branch %d: %s", branchID, err)
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

//NextPatchID 分支内单调递增，继承的 baseline 也计入
func (r *Registry) NextPatchID(branchID int64) (int, error) {
	var max sql.NullInt64
	err := r.db.QueryRow("select max(num) from patches where id_branch = ?", branchID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

//CommitPatch 记录新 patch 并丢弃可重做的 patch，返回被丢弃的 patch
func (r *Registry) CommitPatch(branchID int64, f *geojson.Feature) ([]*geojson.Feature, error) {
	discarded, err := r.Patches(branchID, PatchUndone)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("delete from patches where id_branch = ? and state = ?", branchID, PatchUndone); err != nil {
		return nil, err
	}
	if _, err := tx.Exec("insert into patches (id_branch, num, state, feature) values (?, ?, ?, ?)", branchID, patchID(f), PatchActive, string(data)); err != nil {
		return nil, err
	}
	return discarded, tx.Commit()
}

//InsertPatches 批量写入
func (r *Registry) InsertPatches(branchID int64, state string, features []*geojson.Feature) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, f := range features {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("insert into patches (id_branch, num, state, feature) values (?, ?, ?, ?)", branchID, patchID(f), state, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

//SetPatchState 修改 patch 状态
func (r *Registry) SetPatchState(branchID int64, num int, state string) error {
	_, err := r.db.Exec("update patches set state = ? where id_branch = ? and num = ?", state, branchID, num)
	return err
}

//DeletePatches 删除指定状态的 patch
func (r *Registry) DeletePatches(branchID int64, state string) error {
	_, err := r.db.Exec("delete from patches where id_branch = ? and state = ?", branchID, state)
	return err
}

//SaveProcess 写入或更新后台任务
func (r *Registry) SaveProcess(p *Process) error {
	var end interface{}
	if p.End != nil {
		end = p.End.Format(time.RFC3339Nano)
	}
	_, err := r.db.Exec(`insert into processes (id, name, start_date, end_date, status, result) values (?, ?, ?, ?, ?, ?)
		on conflict(id) do update set end_date = excluded.end_date, status = excluded.status, result = excluded.result`,
		p.ID, p.Name, p.Start.Format(time.RFC3339Nano), end, p.Status, p.Result)
	return err
}

//Process 查询后台任务
func (r *Registry) Process(id string) (*Process, error) {
	row := r.db.QueryRow("select id, name, start_date, end_date, status, result from processes where id = ?", id)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "process %s", id)
	}
	return p, err
}

//Processes 列出后台任务
func (r *Registry) Processes() ([]*Process, error) {
	rows, err := r.db.Query("select id, name, start_date, end_date, status, result from processes order by start_date")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProcess(s scanner) (*Process, error) {
	var (
		p     Process
		start string
		end   sql.NullString
	)
	if err := s.Scan(&p.ID, &p.Name, &start, &end, &p.Status, &p.Result); err != nil {
		return nil, err
	}
	var err error
	if p.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
		return nil, err
	}
	if end.Valid {
		t, err := time.Parse(time.RFC3339Nano, end.String)
		if err != nil {
			return nil, err
		}
		p.End = &t
	}
	return &p, nil
}
