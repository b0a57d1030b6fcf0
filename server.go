package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// 请求体上限
const maxBodySize = 64 << 20

//Server HTTP 接口
type Server struct {
	mux      *http.ServeMux
	branches *BranchStore
	slabs    *SlabCache
	title    string
}

//NewServer 创建并注册路由
func NewServer(bs *BranchStore, slabs *SlabCache, title string) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		branches: bs,
		slabs:    slabs,
		title:    title,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /caches", s.handleCaches)
	s.mux.HandleFunc("GET /branches", s.handleBranches)
	s.mux.HandleFunc("POST /branch", s.handleCreateBranch)
	s.mux.HandleFunc("DELETE /branch", s.handleDeleteBranch)
	s.mux.HandleFunc("GET /processes", s.handleProcesses)
	s.mux.HandleFunc("GET /process", s.handleProcess)

	s.mux.HandleFunc("POST /{idBranch}/copy", s.handleCopyBranch)
	s.mux.HandleFunc("PUT /{idBranch}/lock", s.handleLock)
	s.mux.HandleFunc("PUT /{idBranch}/unlock", s.handleUnlock)
	s.mux.HandleFunc("POST /{idBranch}/rebase", s.handleRebase)
	s.mux.HandleFunc("GET /{idBranch}/patches", s.handlePatches)
	s.mux.HandleFunc("POST /{idBranch}/patch", s.handlePatch)
	s.mux.HandleFunc("PUT /{idBranch}/patch/undo", s.handleUndo)
	s.mux.HandleFunc("PUT /{idBranch}/patch/redo", s.handleRedo)
	s.mux.HandleFunc("PUT /{idBranch}/patches/clear", s.handleClear)
	s.mux.HandleFunc("GET /{idBranch}/wmts", s.handleWMTS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Editor")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	log.Debugf("%s %s, %.3fs", r.Method, r.URL.RequestURI(), time.Since(start).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response error ~ %s", err)
	}
}

//writeError 按错误分类返回状态码，"无事可做" 以 201 返回提示
func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	switch {
	case status == http.StatusCreated:
		writeJSON(w, status, errors.Cause(err).Error())
		return
	case status >= http.StatusInternalServerError:
		log.Errorf("request failed ~ %s", err)
	default:
		log.Warnf("request rejected ~ %s", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

//editorOf 编辑者身份：X-Editor 头或 editor 参数
func editorOf(r *http.Request) string {
	if e := r.Header.Get("X-Editor"); e != "" {
		return e
	}
	return r.URL.Query().Get("editor")
}

func parseID(name, value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.Wrapf(ErrValidation, "%s must be a positive integer, got %q", name, value)
	}
	return id, nil
}

func branchID(r *http.Request) (int64, error) {
	return parseID("idBranch", r.PathValue("idBranch"))
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.branches.Caches())
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	var cacheID int64
	if v := r.URL.Query().Get("idCache"); v != "" {
		id, err := parseID("idCache", v)
		if err != nil {
			writeError(w, err)
			return
		}
		cacheID = id
	}
	list, err := s.branches.List(cacheID)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []Branch{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheID, err := parseID("idCache", q.Get("idCache"))
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.branches.Create(cacheID, q.Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("idBranch", r.URL.Query().Get("idBranch"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.branches.Delete(id, editorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf("branche %d supprimée", id))
}

func (s *Server) handleCopyBranch(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.branches.CopyFrom(id, r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.branches.Lock(id, editorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.branches.Unlock(id, editorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	baseID, err := parseID("idBase", r.URL.Query().Get("idBase"))
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.branches.Rebase(id, baseID, editorOf(r), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	list, err := s.branches.procs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*Process{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.branches.procs.Get(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePatches(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	get := s.branches.ActivePatches
	if r.URL.Query().Get("state") == PatchUndone {
		get = s.branches.UndonePatches
	}
	fc, err := get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

type tileJSON struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
	Z int    `json:"z"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.Wrapf(ErrValidation, "body: %s", err))
		return
	}
	var tiles []tileJSON
	err = s.branches.Mutate(id, editorOf(r), func(b Branch, c *Cache) error {
		req, err := parsePatch(body, c)
		if err != nil {
			return err
		}
		f, err := s.branches.pipeline.Apply(r.Context(), c, b, req)
		if err != nil {
			return err
		}
		touched, err := patchTiles(f)
		if err != nil {
			return err
		}
		for _, t := range touched {
			tiles = append(tiles, tileJSON{X: t.X, Y: t.Y, Z: int(t.Z)})
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tiles)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, func(b Branch, c *Cache) (string, error) {
		id, err := s.branches.pipeline.Undo(c, b)
		return fmt.Sprintf("undo: patch %d annulé", id), err
	})
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, func(b Branch, c *Cache) (string, error) {
		id, err := s.branches.pipeline.Redo(c, b)
		return fmt.Sprintf("redo: patch %d réappliqué", id), err
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, func(b Branch, c *Cache) (string, error) {
		ids, err := s.branches.pipeline.Clear(c, b)
		return fmt.Sprintf("clear: %d patches annulés et supprimés", len(ids)), err
	})
}

//history 撤销、重做与清空的公共流程
func (s *Server) history(w http.ResponseWriter, r *http.Request, op func(b Branch, c *Cache) (string, error)) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var msg string
	err = s.branches.Mutate(id, editorOf(r), func(b Branch, c *Cache) error {
		var err error
		msg, err = op(b, c)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
