package precache

import (
	"net/url"
	"regexp"
	"strings"
)

// VariationStep 是 URL 变体生成的一个步骤。
type VariationStep string

const (
	StepExact          VariationStep = "exact"
	StepIgnoreParams   VariationStep = "ignore-params"
	StepDirectoryIndex VariationStep = "directory-index"
	StepCleanURL       VariationStep = "clean-url"
	StepManipulation   VariationStep = "manipulation"
)

// DefaultOrder 是默认的变体顺序。
var DefaultOrder = []VariationStep{StepExact, StepIgnoreParams, StepDirectoryIndex, StepCleanURL, StepManipulation}

// VariationOptions 控制请求 URL 到清单 URL 的候选变体。
type VariationOptions struct {
	IgnoreParams   []*regexp.Regexp
	DirectoryIndex string
	CleanURLs      bool
	Manipulation   func(u *url.URL) []*url.URL
	// Order 为空时使用 DefaultOrder。
	Order []VariationStep
}

// DefaultVariationOptions 返回忽略 utm_* 与 fbclid、目录补 index.html、
// 开启 clean URL 的默认选项。
func DefaultVariationOptions() VariationOptions {
	return VariationOptions{
		IgnoreParams:   []*regexp.Regexp{regexp.MustCompile(`^utm_`), regexp.MustCompile(`^fbclid$`)},
		DirectoryIndex: "index.html",
		CleanURLs:      true,
	}
}

// URLVariations 按顺序返回候选 URL；变体可能重复，调用方取第一个命中即可。
func URLVariations(raw string, opts VariationOptions) []string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	exact := *parsed
	exact.Fragment = ""
	exact.RawFragment = ""

	stripped := exact
	stripped.RawQuery = filterQuery(exact.RawQuery, func(name string) bool {
		for _, re := range opts.IgnoreParams {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	})

	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}

	out := make([]string, 0, len(order)+2)
	for _, step := range order {
		switch step {
		case StepExact:
			out = append(out, exact.String())
		case StepIgnoreParams:
			out = append(out, stripped.String())
		case StepDirectoryIndex:
			if opts.DirectoryIndex != "" && strings.HasSuffix(stripped.Path, "/") {
				dir := stripped
				dir.Path += opts.DirectoryIndex
				dir.RawPath = ""
				out = append(out, dir.String())
			}
		case StepCleanURL:
			if opts.CleanURLs {
				clean := stripped
				clean.Path += ".html"
				clean.RawPath = ""
				out = append(out, clean.String())
			}
		case StepManipulation:
			if opts.Manipulation != nil {
				input := exact
				for _, extra := range opts.Manipulation(&input) {
					if extra != nil {
						out = append(out, extra.String())
					}
				}
			}
		}
	}
	return out
}

// filterQuery 删除名称满足 drop 的参数，保留其余参数的原始顺序与编码。
func filterQuery(raw string, drop func(name string) bool) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if drop(name) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
