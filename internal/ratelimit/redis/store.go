// Package redis provides a Redis-backed rate limiter store shared by all
// scheduler instances.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/groeimetai/certminter/internal/ratelimit"
)

const defaultKey = "certminter:ratelimit:attempts"

// Store keeps attempts in a sorted set scored by unix nanoseconds.
// Members are encoded as "<id>:<cost_gwei>".
type Store struct {
	client *goredis.Client
	key    string
}

// NewStore creates a store using client. An empty key selects the default.
func NewStore(client *goredis.Client, key string) *Store {
	if key == "" {
		key = defaultKey
	}
	return &Store{client: client, key: key}
}

// Connect parses url, pings the server and returns a store.
func Connect(ctx context.Context, url, key string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewStore(client, key), nil
}

// Add records an entry.
func (s *Store) Add(ctx context.Context, e ratelimit.Entry) error {
	member := e.ID + ":" + strconv.FormatInt(e.CostGwei, 10)
	if err := s.client.ZAdd(ctx, s.key, goredis.Z{
		Score:  float64(e.At.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// Since returns entries at or after since, oldest first.
func (s *Store) Since(ctx context.Context, since time.Time) ([]ratelimit.Entry, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, s.key, &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}

	entries := make([]ratelimit.Entry, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entry, err := decodeMember(member)
		if err != nil {
			return nil, err
		}
		entry.At = time.Unix(0, int64(z.Score))
		entries = append(entries, entry)
	}
	return entries, nil
}

// Prune drops entries older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	upper := "(" + strconv.FormatInt(before.UnixNano(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", upper).Err(); err != nil {
		return fmt.Errorf("zremrangebyscore: %w", err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeMember(member string) (ratelimit.Entry, error) {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return ratelimit.Entry{}, fmt.Errorf("malformed member %q", member)
	}
	cost, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return ratelimit.Entry{}, fmt.Errorf("malformed cost in member %q: %w", member, err)
	}
	return ratelimit.Entry{ID: member[:idx], CostGwei: cost}, nil
}
