package cache

import (
	"context"
	"errors"
	"fmt"
)

// KeyError 记录单个 key 在淘汰过程中的删除失败。
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("delete %s: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Trim 将仓库条目数压到 maxEntries 以内，按写入顺序删除最旧的条目。
// 幂等，可并发重复调用：已被其他 Trim 删除的 key 不计入 evicted 也不算失败。
// 单个 key 删除失败不会中断后续删除，所有失败以 *KeyError 汇总进返回的错误。
func Trim(ctx context.Context, storage Storage, name string, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	store, err := storage.Open(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("open store %s: %w", name, err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys %s: %w", name, err)
	}
	if len(keys) <= maxEntries {
		return 0, nil
	}

	excess := len(keys) - maxEntries
	var (
		evicted int
		errs    []error
	)
	for _, key := range keys[:excess] {
		removed, err := store.Delete(ctx, key)
		if err != nil {
			errs = append(errs, &KeyError{Key: key, Err: err})
			continue
		}
		if removed {
			evicted++
		}
	}
	return evicted, errors.Join(errs...)
}

// KeyErrors 从 Trim 返回的错误中取出每个 key 的失败明细。
func KeyErrors(err error) []*KeyError {
	if err == nil {
		return nil
	}
	var out []*KeyError
	var walk func(error)
	walk = func(e error) {
		if keyErr, ok := e.(*KeyError); ok {
			out = append(out, keyErr)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}
