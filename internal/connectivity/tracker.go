// Package connectivity 跟踪上游可达性，并在离线或网络失败时为导航请求
// 提供预缓存回退。
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/strategy"
)

// Tracker 记录最近一次网络请求是否失败。
type Tracker struct {
	lost     atomic.Bool
	onChange func(lost bool)
}

// NewTracker 构造 tracker，onChange 在状态翻转时调用，可为空。
func NewTracker(onChange func(lost bool)) *Tracker {
	return &Tracker{onChange: onChange}
}

// Lost 返回连接是否被标记为丢失。
func (t *Tracker) Lost() bool {
	return t.lost.Load()
}

func (t *Tracker) set(lost bool) {
	if old := t.lost.Swap(lost); old != lost && t.onChange != nil {
		t.onChange(lost)
	}
}

// Plugin 返回挂在网络策略上的插件：抓取失败置为丢失，成功则清除。
func (t *Tracker) Plugin() *strategy.Plugin {
	return &strategy.Plugin{
		Name: "connection-tracker",
		FetchDidFail: func(context.Context, *strategy.HookContext, *http.Request, *http.Request, error) {
			t.set(true)
		},
		FetchDidSucceed: func(_ context.Context, _ *strategy.HookContext, _ *http.Request, resp *cache.Response) (*cache.Response, error) {
			t.set(false)
			return resp, nil
		},
	}
}
