package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Backend 标识 Storage 的实现方式。
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Options 描述 NewStorage 所需的参数。
type Options struct {
	Backend Backend
	// Path 是 file 后端的根目录，或 sqlite 后端数据库文件所在目录。
	Path string
}

// NewStorage 根据后端类型构建 Storage，整个进程复用一份实例。
func NewStorage(opts Options) (Storage, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(opts.Backend)))) {
	case BackendFile, "":
		return NewFileStorage(opts.Path)
	case BackendSQLite:
		return NewSQLiteStorage(opts.Path)
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

// matchAcross 按名称顺序遍历所有仓库，返回第一个命中。
func matchAcross(ctx context.Context, storage Storage, key string) (*Response, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := store.Match(ctx, key)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

type keySeq struct {
	key string
	seq uint64
}

func sortKeys(entries []keySeq) []string {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.key
	}
	return keys
}
