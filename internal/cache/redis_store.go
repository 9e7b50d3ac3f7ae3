package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 redis 后端的连接参数。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore 使用已有客户端构建缓存，每个缓存名对应一个 hash。
func NewRedisStore(client redis.UniversalClient, keyPrefix string) Store {
	if keyPrefix == "" {
		keyPrefix = "swgate"
	}
	return &redisStore{client: client, prefix: keyPrefix}
}

// DialRedis 建立连接并 Ping 一次，连接失败时直接返回错误。
func DialRedis(ctx context.Context, opts RedisOptions) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func (s *redisStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	raw, err := s.client.HGet(ctx, s.hashKey(locator.CacheName), locator.Key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode redis entry: %w", err)
	}
	return rec.entry(locator, rec.Body), nil
}

func (s *redisStore) Put(ctx context.Context, locator Locator, resp *Response, opts PutOptions) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("response required")
	}
	rec := newRecord(locator.Key, resp, opts.StoredAt)
	rec.Body = resp.Body
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.client.HSet(ctx, s.hashKey(locator.CacheName), locator.Key, raw).Err(); err != nil {
		if isRedisOOM(err) {
			return nil, ErrQuotaExceeded
		}
		return nil, err
	}
	return rec.entry(locator, append([]byte(nil), resp.Body...)), nil
}

func (s *redisStore) Remove(ctx context.Context, locator Locator) error {
	return s.client.HDel(ctx, s.hashKey(locator.CacheName), locator.Key).Err()
}

func (s *redisStore) Keys(ctx context.Context, cacheName string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey(cacheName)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Drop(ctx context.Context, cacheName string) error {
	return s.client.Del(ctx, s.hashKey(cacheName)).Err()
}

func (s *redisStore) hashKey(cacheName string) string {
	return s.prefix + ":" + cacheName
}

// redis 在 maxmemory 耗尽时以 "OOM command not allowed" 拒绝写入。
func isRedisOOM(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM ")
}
