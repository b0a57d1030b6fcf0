package main

import (
	"net/http"

	"github.com/pkg/errors"
)

// 错误分类
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrFileMissing          = errors.New("file missing")
	ErrConflict             = errors.New("conflict")
	ErrLocked               = errors.New("branch locked by another editor")
	ErrStorageInconsistency = errors.New("storage inconsistency")
	ErrCacheCorruption      = errors.New("cache corruption")
)

// 无事可做，不是错误，HTTP 201
var (
	ErrNothingToUndo  = errors.New("rien à annuler")
	ErrNothingToRedo  = errors.New("rien à refaire")
	ErrNothingToClear = errors.New("rien à nettoyer")
)

func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNothingToUndo), errors.Is(err, ErrNothingToRedo), errors.Is(err, ErrNothingToClear):
		return http.StatusCreated
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrFileMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusNotAcceptable
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
