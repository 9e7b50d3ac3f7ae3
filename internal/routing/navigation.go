package routing

import (
	"net/http"
	"regexp"

	"github.com/any-hub/swgate/internal/strategy"
)

// NavigationOptions 限定导航路由匹配的路径（含查询串）。
type NavigationOptions struct {
	// Allowlist 为空时允许全部路径。
	Allowlist []*regexp.Regexp
	Denylist  []*regexp.Regexp
}

// NewNavigationRoute 只匹配导航请求，Denylist 优先于 Allowlist。
func NewNavigationRoute(handler strategy.Handler, opts NavigationOptions) *Route {
	allow := opts.Allowlist
	if len(allow) == 0 {
		allow = []*regexp.Regexp{regexp.MustCompile(`.`)}
	}
	deny := opts.Denylist

	return NewRoute(func(mc MatchContext) any {
		if mc.Request != nil && !strategy.IsNavigationRequest(mc.Request) {
			return false
		}
		target := mc.URL.Path
		if mc.URL.RawQuery != "" {
			target += "?" + mc.URL.RawQuery
		}
		for _, re := range deny {
			if re.MatchString(target) {
				return false
			}
		}
		for _, re := range allow {
			if re.MatchString(target) {
				return true
			}
		}
		return false
	}, handler, http.MethodGet)
}
