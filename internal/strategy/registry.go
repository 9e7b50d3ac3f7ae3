package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	KindNetworkFirst = "network-first"
	KindNetworkOnly  = "network-only"
	KindCacheOnly    = "cache-only"
)

// Factory 根据通用参数构造策略实例。
type Factory func(opts Options) Strategy

// Kind 描述一个可在配置中引用的策略类型。
type Kind struct {
	Key         string
	Description string
	Build       Factory
}

// Registry 保存策略类型，配置规则与诊断接口都从这里解析。
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// NewDefaultRegistry 返回包含内置策略的注册表。
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Kind{
		Key:         KindNetworkFirst,
		Description: "network with cache fallback and optional timeout",
		Build:       func(opts Options) Strategy { return NewNetworkFirst(opts) },
	})
	r.MustRegister(Kind{
		Key:         KindNetworkOnly,
		Description: "network only, optional timeout",
		Build:       func(opts Options) Strategy { return NewNetworkOnly(opts) },
	})
	r.MustRegister(Kind{
		Key:         KindCacheOnly,
		Description: "cache only, miss fails",
		Build:       func(opts Options) Strategy { return NewCacheOnly(opts) },
	})
	return r
}

// Register 添加策略类型，key 重复时报错。
func (r *Registry) Register(kind Kind) error {
	key := normalizeKind(kind.Key)
	if key == "" {
		return fmt.Errorf("strategy key is required")
	}
	if kind.Build == nil {
		return fmt.Errorf("strategy %s missing factory", key)
	}
	kind.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("strategy %s already registered", key)
	}
	r.kinds[key] = kind
	return nil
}

// MustRegister 在注册失败时 panic，供内置类型使用。
func (r *Registry) MustRegister(kind Kind) {
	if err := r.Register(kind); err != nil {
		panic(err)
	}
}

// Resolve 返回指定 key 的策略类型。
func (r *Registry) Resolve(key string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[normalizeKind(key)]
	return kind, ok
}

// Build 构造指定类型的策略实例。
func (r *Registry) Build(key string, opts Options) (Strategy, error) {
	kind, ok := r.Resolve(key)
	if !ok {
		return nil, fmt.Errorf("unsupported strategy %q", key)
	}
	return kind.Build(opts), nil
}

// List 按 key 排序返回全部类型。
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, kind := range r.kinds {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func normalizeKind(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
