package precache

import (
	"net/http"

	"github.com/any-hub/swgate/internal/routing"
)

// NewRoute 返回预缓存路由：按变体顺序找到第一个已登记的 URL，
// 以 Params{CacheKey, Integrity} 交给预缓存策略。
func NewRoute(c *Controller, opts VariationOptions) *routing.Route {
	return routing.NewRoute(func(mc routing.MatchContext) any {
		keys := c.URLsToCacheKeys()
		for _, candidate := range URLVariations(mc.URL.String(), opts) {
			if key, ok := keys[candidate]; ok {
				return Params{CacheKey: key, Integrity: c.IntegrityFor(key)}
			}
		}
		return nil
	}, c.Strategy(), http.MethodGet)
}
