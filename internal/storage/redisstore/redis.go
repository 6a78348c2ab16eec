package redisstore

import (
	"context"
	"ecobridge/internal/storage"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// envelope is the value kept under the document key
type envelope struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// RedisStorage implements storage.Store with one Redis string key.
// Saves run inside WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// New connects using a redis:// URL and stores the document under
// "<namespace>:custom_data"
func New(ctx context.Context, redisURL, namespace string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, namespace), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, namespace string) *RedisStorage {
	return &RedisStorage{client: client, key: namespace + ":custom_data"}
}

// Client exposes the connection so a Locker can share it
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// Load retrieves the document
func (s *RedisStorage) Load(ctx context.Context) (*storage.Document, error) {
	env, err := s.read(ctx, s.client)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return storage.NewDocument(), nil
	}
	return storage.DecodeDocument(env.Data, env.Version)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStorage) read(ctx context.Context, c getter) (*envelope, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return &env, nil
}

// Save writes the document if its version still matches the stored one
func (s *RedisStorage) Save(ctx context.Context, doc *storage.Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Version: doc.Version + 1, Data: data})
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		var version int64
		if current != nil {
			version = current.Version
		}
		if version != doc.Version {
			return storage.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, payload, 0)
			return nil
		})
		return err
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrVersionConflict
	}
	if err != nil {
		return err
	}

	doc.Version++
	return nil
}

// Close closes the client
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
