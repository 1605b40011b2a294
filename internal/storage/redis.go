package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "tweetq/pkg/logx"
)

type redisStore struct {
	client *redis.Client
	ns     string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedis(client, cfg.Namespace, log), nil
}

// NewRedis wraps an existing client. Keys are stored as "<namespace>:<key>".
func NewRedis(client *redis.Client, namespace string, log logx.Logger) Store {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "tweetq"
	}
	return &redisStore{client: client, ns: ns + ":", log: log}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.ns+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.ns+key, value, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.ns+key).Err()
}

func (s *redisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscape(s.ns+prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for i, k := range keys {
		// Deleted between SCAN and MGET.
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: strings.TrimPrefix(k, s.ns), Value: []byte(str)})
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
