package strategy

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// EventKind 标识触发管线的生命周期事件。
type EventKind string

const (
	EventFetch   EventKind = "fetch"
	EventInstall EventKind = "install"
	EventMessage EventKind = "message"
)

// Event 描述发起请求的生命周期事件。
type Event struct {
	Kind      EventKind
	RequestID string
}

// IsNavigationRequest 判断请求是否为页面导航。
func IsNavigationRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

type integrityKey struct{}

// WithIntegrity 为请求附加 SRI 校验串，Fetch 会据此校验响应正文。
func WithIntegrity(req *http.Request, integrity string) *http.Request {
	if integrity == "" {
		return req
	}
	return req.WithContext(context.WithValue(req.Context(), integrityKey{}, integrity))
}

// IntegrityOf 返回请求携带的 SRI 校验串。
func IntegrityOf(req *http.Request) string {
	if req == nil {
		return ""
	}
	value, _ := req.Context().Value(integrityKey{}).(string)
	return value
}

// VerifyIntegrity 按 SRI 语法校验正文，任一受支持的摘要匹配即通过；
// 没有受支持算法时视为通过。
func VerifyIntegrity(body []byte, metadata string) error {
	supported := false
	for _, token := range strings.Fields(metadata) {
		algo, digest, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		digest, _, _ = strings.Cut(digest, "?")
		var sum []byte
		switch strings.ToLower(algo) {
		case "sha256":
			s := sha256.Sum256(body)
			sum = s[:]
		case "sha384":
			s := sha512.Sum384(body)
			sum = s[:]
		case "sha512":
			s := sha512.Sum512(body)
			sum = s[:]
		default:
			continue
		}
		supported = true
		if base64.StdEncoding.EncodeToString(sum) == digest {
			return nil
		}
	}
	if !supported {
		return nil
	}
	return fmt.Errorf("integrity mismatch for %q", metadata)
}
