// Package precache 维护预缓存清单：把清单条目解析为带版本的缓存 key，
// 在 install 阶段批量写入、在 activate 阶段清理过期 key，并提供运行期的
// 路由与查找能力。
package precache

import (
	"fmt"
	"net/http"
	"net/url"
)

// RevisionParam 是写入缓存 key 的版本查询参数。
const RevisionParam = "__swgate_rev"

// FetchMode 决定安装时是否强制绕过上游 HTTP 缓存。
type FetchMode string

const (
	FetchModeDefault         FetchMode = "default"
	FetchModeForceRevalidate FetchMode = "force-revalidate"
)

// Entry 是一条清单记录。
type Entry struct {
	URL         string
	Fingerprint string
	Integrity   string
}

// Params 是预缓存路由交给策略的参数。
type Params struct {
	CacheKey  string
	Integrity string
}

func paramsOf(v any) Params {
	switch p := v.(type) {
	case Params:
		return p
	case *Params:
		if p != nil {
			return *p
		}
	}
	return Params{}
}

// CacheKey 相对 base 解析条目 URL，返回缓存 key 与去掉 hash 的原始 URL。
// 有指纹时 key 追加 RevisionParam。
func CacheKey(entry Entry, base *url.URL) (cacheKey, resolved string, err error) {
	if entry.URL == "" {
		return "", "", fmt.Errorf("precache entry url is required")
	}
	ref, err := url.Parse(entry.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse precache url %q: %w", entry.URL, err)
	}
	target := ref
	if base != nil {
		target = base.ResolveReference(ref)
	}
	target.Fragment = ""
	target.RawFragment = ""
	resolved = target.String()
	if entry.Fingerprint == "" {
		return resolved, resolved, nil
	}

	keyed := *target
	rest := filterQuery(keyed.RawQuery, func(name string) bool { return name == RevisionParam })
	revision := RevisionParam + "=" + url.QueryEscape(entry.Fingerprint)
	if rest == "" {
		keyed.RawQuery = revision
	} else {
		keyed.RawQuery = rest + "&" + revision
	}
	return keyed.String(), resolved, nil
}

func modeFor(entry Entry) FetchMode {
	if entry.Fingerprint != "" {
		return FetchModeForceRevalidate
	}
	return FetchModeDefault
}

// applyMode 把抓取模式映射为请求头。
func applyMode(req *http.Request, mode FetchMode) {
	if mode == FetchModeForceRevalidate {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
}
