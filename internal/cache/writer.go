package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// QuotaCallbacks 保存配额不足时需要执行的清理回调，按注册顺序尽力执行。
type QuotaCallbacks struct {
	mu        sync.Mutex
	callbacks []func(context.Context)
}

// Register 追加一个清理回调。
func (q *QuotaCallbacks) Register(fn func(context.Context)) {
	if q == nil || fn == nil {
		return
	}
	q.mu.Lock()
	q.callbacks = append(q.callbacks, fn)
	q.mu.Unlock()
}

// Len 返回已注册回调数量。
func (q *QuotaCallbacks) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.callbacks)
}

// Run 依次执行回调；单个回调 panic 不影响后续回调。
func (q *QuotaCallbacks) Run(ctx context.Context, logger *logrus.Logger) {
	if q == nil {
		return
	}
	q.mu.Lock()
	callbacks := append([]func(context.Context){}, q.callbacks...)
	q.mu.Unlock()

	for _, fn := range callbacks {
		runQuotaCallback(ctx, fn, logger)
	}
}

func runQuotaCallback(ctx context.Context, fn func(context.Context), logger *logrus.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"action": "quota_callback",
				"panic":  r,
			}).Warn("quota_callback_panic")
		}
	}()
	fn(ctx)
}

// Writer 包装 Store.Put，在配额不足时先执行清理回调再把错误返回给调用方。
type Writer struct {
	store  Store
	quota  *QuotaCallbacks
	logger *logrus.Logger
}

// NewWriter 构造配额感知的写入器，quota 可以为空。
func NewWriter(store Store, quota *QuotaCallbacks, logger *logrus.Logger) Writer {
	return Writer{store: store, quota: quota, logger: logger}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.store != nil
}

// Put 写入缓存，并保持与 Store 相同的语义。
func (w Writer) Put(ctx context.Context, locator Locator, resp *Response, opts PutOptions) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	entry, err := w.store.Put(ctx, locator, resp, opts)
	if errors.Is(err, ErrQuotaExceeded) {
		if w.logger != nil {
			w.logger.WithFields(logrus.Fields{
				"action":     "cache_put",
				"cache_name": locator.CacheName,
				"key":        locator.Key,
				"callbacks":  w.quota.Len(),
			}).Warn("cache_quota_exceeded")
		}
		w.quota.Run(ctx, w.logger)
	}
	return entry, err
}
