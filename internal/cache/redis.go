package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes the shared spec cache. When KeyPrefix is set, Size
// counts only keys under it so other tenants of the database are ignored.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

const (
	scanBatch        = 256
	redisDialTimeout = 5 * time.Second
)

type redisCache struct {
	client    valkey.Client
	keyPrefix string
}

// NewRedis connects to a Redis-compatible server and verifies it with PING.
func NewRedis(cfg RedisConfig) (SpecCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	tlsConfig, err := redisTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		TLSConfig:         tlsConfig,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &redisCache{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func redisTLS(cfg RedisTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("cache: read redis ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("cache: redis ca file contains no certificates")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Lookup returns the stored spec. A payload that no longer decodes is removed
// so the next fetch can replace it, and the decode error is returned.
func (c *redisCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		_ = c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
		return Entry{}, false, fmt.Errorf("cache: redis decode %s: %w", key, err)
	}
	return entry, true, nil
}

// Store writes entry with a PX expiry derived from ExpiresAt. Redis owns
// expiry here, so entries must carry one.
func (c *redisCache) Store(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		return errors.New("cache: redis entry expiry required")
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis encode: %w", err)
	}
	cmd := c.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisCache) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	return c.scanPrefix(ctx, prefix, func(keys []string) error {
		if err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: redis del: %w", err)
		}
		return nil
	})
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	if c.keyPrefix == "" {
		size, err := c.client.Do(ctx, c.client.B().Dbsize().Build()).ToInt64()
		if err != nil {
			return 0, fmt.Errorf("cache: redis dbsize: %w", err)
		}
		return size, nil
	}
	var size int64
	err := c.scanPrefix(ctx, c.keyPrefix, func(keys []string) error {
		size += int64(len(keys))
		return nil
	})
	return size, err
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}

// scanPrefix walks the keyspace with SCAN MATCH, handing each non-empty batch
// to fn. SCAN may repeat keys across batches, so counts are approximate.
func (c *redisCache) scanPrefix(ctx context.Context, prefix string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		cmd := c.client.B().Scan().Cursor(cursor).Match(prefix + "*").Count(scanBatch).Build()
		batch, err := c.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(batch.Elements) > 0 {
			if err := fn(batch.Elements); err != nil {
				return err
			}
		}
		cursor = batch.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
