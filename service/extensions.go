package service

import (
	"context"
	"reflect"
	"sync"
)

// Extensions 是一个以类型为键的 map, 每种类型最多存一个值.
//
// 每条连接有自己的 Extensions; 每个请求可以在连接的 Extensions 上 Child 出
// 一个子 map, 子 map 查不到时会去父 map 查, 但写入永远只写自己, 不会改动父 map.
type Extensions struct {
	mu     sync.RWMutex
	m      map[reflect.Type]any
	parent *Extensions
}

func NewExtensions() *Extensions {
	return &Extensions{}
}

// Child returns a new map that falls back to ext on lookup misses.
func (ext *Extensions) Child() *Extensions {
	return &Extensions{parent: ext}
}

func (ext *Extensions) Parent() *Extensions {
	return ext.parent
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Insert stores v, replacing any previous value of the same type stored in ext
// itself. The previous value is returned.
func Insert[T any](ext *Extensions, v T) (prev T, had bool) {
	key := typeOf[T]()

	ext.mu.Lock()
	defer ext.mu.Unlock()

	if ext.m == nil {
		ext.m = make(map[reflect.Type]any)
	}
	if old, ok := ext.m[key]; ok {
		prev, had = old.(T)
	}
	ext.m[key] = v
	return
}

// Get looks up a value of type T, consulting the parent chain on a miss.
func Get[T any](ext *Extensions) (v T, ok bool) {
	if ext == nil {
		return
	}
	key := typeOf[T]()
	for e := ext; e != nil; e = e.parent {
		e.mu.RLock()
		x, found := e.m[key]
		e.mu.RUnlock()
		if found {
			v, ok = x.(T)
			return
		}
	}
	return
}

// Remove deletes the value of type T from ext itself (never from a parent).
func Remove[T any](ext *Extensions) (prev T, had bool) {
	key := typeOf[T]()
	ext.mu.Lock()
	defer ext.mu.Unlock()
	if old, ok := ext.m[key]; ok {
		prev, had = old.(T)
		delete(ext.m, key)
	}
	return
}

type extensionsKey struct{}

// WithExtensions 把 ext 放入 ctx.
func WithExtensions(ctx context.Context, ext *Extensions) context.Context {
	return context.WithValue(ctx, extensionsKey{}, ext)
}

// ExtensionsFrom 取出 ctx 中的 Extensions; 没有则返回 nil, nil 上的 Get 总是查不到.
func ExtensionsFrom(ctx context.Context) *Extensions {
	ext, _ := ctx.Value(extensionsKey{}).(*Extensions)
	return ext
}

// EnsureExtensions 保证返回的 ctx 中有 Extensions.
func EnsureExtensions(ctx context.Context) (context.Context, *Extensions) {
	if ext := ExtensionsFrom(ctx); ext != nil {
		return ctx, ext
	}
	ext := NewExtensions()
	return WithExtensions(ctx, ext), ext
}

// ChildContext 在 ctx 现有 Extensions 之上派生一个子 Extensions.
func ChildContext(ctx context.Context) (context.Context, *Extensions) {
	parent := ExtensionsFrom(ctx)
	var ext *Extensions
	if parent == nil {
		ext = NewExtensions()
	} else {
		ext = parent.Child()
	}
	return WithExtensions(ctx, ext), ext
}

// GetFrom is shorthand for Get(ExtensionsFrom(ctx)).
func GetFrom[T any](ctx context.Context) (T, bool) {
	return Get[T](ExtensionsFrom(ctx))
}

// InsertInto 向 ctx 的 Extensions 写入; ctx 中没有 Extensions 时什么也不做并返回 false.
func InsertInto[T any](ctx context.Context, v T) bool {
	ext := ExtensionsFrom(ctx)
	if ext == nil {
		return false
	}
	Insert(ext, v)
	return true
}
