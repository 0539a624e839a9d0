package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisRepository.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix is prepended to every key, e.g. "bhs".
	Prefix string `yaml:"prefix"`
	// ScanStreamMaxLen caps the scanner result stream. Zero keeps 10000 entries.
	ScanStreamMaxLen int64 `yaml:"scan_stream_max_len"`
}

// RedisRepository serves routing data from Redis or Valkey.
//
// Key layout, relative to the prefix:
//
//	routing        hash   IATA -> destination
//	airlines       list   JSON AirlineEntry, table order
//	fallback       list   JSON FallbackEntry, table order
//	items          hash   IATA -> JSON ItemInfo
//	scans          stream scanner results
type RedisRepository struct {
	client *redis.Client
	cfg    RedisConfig
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository connects to the server in cfg and verifies it with PING.
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	if cfg.ScanStreamMaxLen <= 0 {
		cfg.ScanStreamMaxLen = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	return &RedisRepository{client: client, cfg: cfg}, nil
}

// joinKey joins key segments with colons, skipping empty segments.
func joinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}

	return strings.Join(parts, ":")
}

func (r *RedisRepository) key(name string) string {
	return joinKey(r.cfg.Prefix, name)
}

func (r *RedisRepository) LookupDestination(ctx context.Context, iata string) (uint16, bool, error) {
	dest, err := r.client.HGet(ctx, r.key("routing"), iata).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup destination of %s: %w", iata, err)
	}
	if dest > 0xFFFF {
		return 0, false, fmt.Errorf("destination %d of %s out of range", dest, iata)
	}

	return uint16(dest), true, nil
}

func (r *RedisRepository) ExistsInRoutingTable(ctx context.Context, iata string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.key("routing"), iata).Result()
	if err != nil {
		return false, fmt.Errorf("check routing table for %s: %w", iata, err)
	}

	return ok, nil
}

func (r *RedisRepository) ListEnabledAirlineEntries(ctx context.Context) ([]AirlineEntry, error) {
	var all []AirlineEntry
	if err := r.listJSON(ctx, "airlines", &all); err != nil {
		return nil, err
	}

	entries := all[:0]
	for _, e := range all {
		if e.Enabled {
			entries = append(entries, e)
		}
	}

	return entries, nil
}

func (r *RedisRepository) ListFallbackEntries(ctx context.Context) ([]FallbackEntry, error) {
	var entries []FallbackEntry
	if err := r.listJSON(ctx, "fallback", &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// listJSON decodes every element of the list name into out, a pointer to a slice.
func (r *RedisRepository) listJSON(ctx context.Context, name string, out any) error {
	items, err := r.client.LRange(ctx, r.key(name), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read %s table: %w", name, err)
	}

	doc := "[" + strings.Join(items, ",") + "]"
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decode %s table: %w", name, err)
	}

	return nil
}

func (r *RedisRepository) ItemInfo(ctx context.Context, iata string) (ItemInfo, error) {
	raw, err := r.client.HGet(ctx, r.key("items"), iata).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultItemInfo, nil
	}
	if err != nil {
		return ItemInfo{}, fmt.Errorf("read item info of %s: %w", iata, err)
	}

	info := DefaultItemInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ItemInfo{}, fmt.Errorf("decode item info of %s: %w", iata, err)
	}

	return info, nil
}

func (r *RedisRepository) RecordScan(ctx context.Context, rec ScanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode scan record: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.key("scans"),
		MaxLen: r.cfg.ScanStreamMaxLen,
		Approx: true,
		Values: map[string]any{"channel": rec.Channel, "gid": rec.GlobalID, "data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("record scan of gid %d: %w", rec.GlobalID, err)
	}

	return nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
