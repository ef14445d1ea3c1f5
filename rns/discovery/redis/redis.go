// Package redis shares recalled identities between nodes through Redis.
// Entries expire after the configured TTL, mirroring how stale announces
// age out of a path table.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/identity"
)

const (
	DefaultPrefix  = "rns:known:"
	DefaultTTL     = 7 * 24 * time.Hour
	defaultTimeout = 2 * time.Second
)

type Store struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

type Options struct {
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration
}

func New(rdb *redis.Client, opts Options) *Store {
	s := &Store{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, timeout: opts.Timeout}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(rdb, opts), nil
}

func (s *Store) key(dest identity.Hash) string { return s.prefix + dest.String() }

func (s *Store) Remember(k discovery.Known) error {
	b, err := discovery.Marshal(k)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.rdb.Set(ctx, s.key(k.Destination), b, s.ttl).Err()
}

func (s *Store) Recall(dest identity.Hash) (discovery.Known, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	b, err := s.rdb.Get(ctx, s.key(dest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return discovery.Known{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.Known{}, err
	}
	return discovery.Unmarshal(b)
}

func (s *Store) List() ([]discovery.Known, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var out []discovery.Known
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		k, err := discovery.Unmarshal(b)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, iter.Err()
}

func (s *Store) Close() error { return s.rdb.Close() }
