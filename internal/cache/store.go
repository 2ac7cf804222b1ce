package cache

import (
	"context"
	"errors"
)

// Storage 管理一组按名称区分的缓存仓库，对应页面与 worker 共享的 cache storage。
type Storage interface {
	// Open 按名称打开仓库，不存在时惰性创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断仓库是否存在，不会触发创建。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个仓库及其全部条目；仓库不存在时返回 false。
	// 已经打开的旧句柄随之失效，后续写入返回 ErrStoreDeleted。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回全部仓库名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Match 依次在所有仓库中查找 key，返回第一个命中的响应。
	Match(ctx context.Context, key string) (*Response, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Store 是单个命名仓库。key 为请求 URL（仅缓存 GET，因此无需拼接 method）。
type Store interface {
	Name() string

	// Match 返回 key 对应的响应副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖 key；覆盖时条目被移动到最新位置。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目；条目不存在时返回 (false, nil)，便于并发 Trim 重复删除。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 按写入顺序（最旧在前）返回全部 key。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示句柄指向的仓库已经被整体删除。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrStorageClosed 表示 Storage 已经关闭。
	ErrStorageClosed = errors.New("cache storage closed")
	// ErrInvalidName 表示仓库名称为空或包含路径分隔符。
	ErrInvalidName = errors.New("invalid cache store name")
	// ErrInvalidKey 表示缓存 key 为空。
	ErrInvalidKey = errors.New("invalid cache key")
)

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
