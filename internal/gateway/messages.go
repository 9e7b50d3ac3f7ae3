package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/any-hub/swgate/internal/routing"
	"github.com/any-hub/swgate/internal/strategy"
)

const (
	// MessageCacheURLs 要求网关按现有路由抓取并缓存一组 URL。
	MessageCacheURLs = "CACHE_URLS"
	// MethodIsConnectionLost 查询最近一次网络请求是否失败。
	MethodIsConnectionLost = "Gateway.isConnectionLost"
)

var (
	// ErrUnsupportedMessage 表示消息既不是 CACHE_URLS 也不是已知方法调用。
	ErrUnsupportedMessage = errors.New("unsupported message")
	// ErrMissingMessageID 表示方法调用缺少 id，无法回复。
	ErrMissingMessageID = errors.New("message id is required")
)

// Message 是客户端发给网关的消息。
type Message struct {
	Type    string          `json:"type,omitempty"`
	Method  string          `json:"method,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply 是网关对消息的回复。
type Reply struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result"`
}

type cacheURLsPayload struct {
	URLsToCache []json.RawMessage `json:"urlsToCache"`
}

type requestInit struct {
	Headers map[string]string `json:"headers"`
}

// DecodeMessage 解析 JSON 消息体。
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// OnMessage 处理客户端消息。CACHE_URLS 在所有目标写入缓存后才回复。
func (w *Worker) OnMessage(ctx context.Context, msg Message) (*Reply, error) {
	switch {
	case msg.Type == MessageCacheURLs:
		targets, err := parseCacheTargets(msg.Payload)
		if err != nil {
			return nil, err
		}
		for i := range targets {
			ref, err := url.Parse(targets[i].URL)
			if err != nil {
				return nil, fmt.Errorf("parse url %q: %w", targets[i].URL, err)
			}
			targets[i].URL = w.scope.ResolveReference(ref).String()
		}
		event := strategy.Event{Kind: strategy.EventMessage, RequestID: uuid.NewString()}
		if err := w.router.CacheURLs(ctx, targets, event); err != nil {
			return nil, err
		}
		w.logger.WithField("urls", len(targets)).Info("cache_urls_completed")
		return &Reply{ID: msg.ID, Result: true}, nil
	case msg.Method == MethodIsConnectionLost:
		if len(msg.ID) == 0 {
			return nil, ErrMissingMessageID
		}
		return &Reply{ID: msg.ID, Result: w.tracker.Lost()}, nil
	default:
		return nil, fmt.Errorf("%w: type=%q method=%q", ErrUnsupportedMessage, msg.Type, msg.Method)
	}
}

// parseCacheTargets 接受 "url" 或 ["url", {"headers": {...}}] 两种元素形式。
func parseCacheTargets(payload json.RawMessage) ([]routing.URLRequest, error) {
	var body cacheURLsPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("decode urlsToCache: %w", err)
		}
	}
	targets := make([]routing.URLRequest, 0, len(body.URLsToCache))
	for _, raw := range body.URLsToCache {
		raw = bytes.TrimSpace(raw)
		var target routing.URLRequest
		switch {
		case len(raw) > 0 && raw[0] == '"':
			if err := json.Unmarshal(raw, &target.URL); err != nil {
				return nil, fmt.Errorf("decode url: %w", err)
			}
		case len(raw) > 0 && raw[0] == '[':
			var tuple []json.RawMessage
			if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) == 0 {
				return nil, fmt.Errorf("decode url tuple: %s", raw)
			}
			if err := json.Unmarshal(tuple[0], &target.URL); err != nil {
				return nil, fmt.Errorf("decode url: %w", err)
			}
			if len(tuple) > 1 {
				var init requestInit
				if err := json.Unmarshal(tuple[1], &init); err != nil {
					return nil, fmt.Errorf("decode request init: %w", err)
				}
				if len(init.Headers) > 0 {
					target.Header = make(http.Header, len(init.Headers))
					for k, v := range init.Headers {
						target.Header.Set(k, v)
					}
				}
			}
		default:
			return nil, fmt.Errorf("unsupported urlsToCache entry: %s", raw)
		}
		targets = append(targets, target)
	}
	return targets, nil
}
