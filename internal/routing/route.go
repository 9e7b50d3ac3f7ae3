// Package routing 把请求分发给第一个匹配的路由处理器，
// 并负责默认处理器与 catch 处理器的回退链。
package routing

import (
	"net/http"
	"net/url"
	"reflect"
	"regexp"

	"github.com/any-hub/swgate/internal/strategy"
)

// MatchContext 是匹配函数的输入。
type MatchContext struct {
	URL        *url.URL
	Request    *http.Request
	Event      strategy.Event
	SameOrigin bool
}

// MatchFunc 返回 nil 或 false 表示不匹配；其余值作为路由参数交给处理器。
type MatchFunc func(mc MatchContext) any

// Route 把匹配函数与处理器绑定到一个 HTTP 方法。
type Route struct {
	Method       string
	Match        MatchFunc
	Handler      strategy.Handler
	CatchHandler strategy.Handler
}

// NewRoute 构造路由，method 为空时默认 GET。
func NewRoute(match MatchFunc, handler strategy.Handler, method string) *Route {
	if method == "" {
		method = http.MethodGet
	}
	return &Route{Method: method, Match: match, Handler: handler}
}

// NewRegExpRoute 用正则匹配完整 URL，捕获组作为 []string 参数。
// 跨域 URL 只有在匹配起始于位置 0 时才算命中。
func NewRegExpRoute(re *regexp.Regexp, handler strategy.Handler, method string) *Route {
	return NewRoute(func(mc MatchContext) any {
		href := mc.URL.String()
		loc := re.FindStringSubmatchIndex(href)
		if loc == nil {
			return nil
		}
		if !mc.SameOrigin && loc[0] != 0 {
			return nil
		}
		groups := make([]string, 0, len(loc)/2-1)
		for i := 2; i+1 < len(loc); i += 2 {
			if loc[i] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, href[loc[i]:loc[i+1]])
		}
		return groups
	}, handler, method)
}

// SetCatchHandler 设置路由级的错误回退处理器。
func (r *Route) SetCatchHandler(h strategy.Handler) {
	r.CatchHandler = h
}

// normalizeParams 判断匹配结果并归一化参数：空切片、空 map 与 true 归一为 nil。
func normalizeParams(result any) (any, bool) {
	if result == nil {
		return nil, false
	}
	if b, ok := result.(bool); ok {
		return nil, b
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		if v.IsNil() || v.Len() == 0 {
			return nil, true
		}
	case reflect.Pointer:
		if v.IsNil() {
			return nil, false
		}
	}
	return result, true
}
