// Package cache реализует хранение состояния сервиса в Redis:
// таблицу устройств, сохраненные изменения конфигурации и журнал пакетов.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"data-sender/internal/config"
	"data-sender/internal/models"
)

const (
	// AdaptorsKey хэш устройств: id -> JSON models.Adaptor
	AdaptorsKey = "adaptors"
	// ConfigKey сохраненные изменения конфигурации
	ConfigKey = "config:overrides"
	// LatestBatchesKey список последних пакетов
	LatestBatchesKey = "batches:latest"
	// BatchKeyPrefix префикс для отдельных пакетов
	BatchKeyPrefix = "batch:"
	// StatsKey ключ для статистики
	StatsKey = "stats:global"
	// MaxLatestBatches сколько пакетов хранить в списке
	MaxLatestBatches = 1000
	// BatchTTL время жизни отдельного пакета
	BatchTTL = 1 * time.Hour
)

// RedisCache реализует хранилище в Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache создает новое подключение к Redis.
// prefix отделяет ключи разных мостов в одной базе.
func NewRedisCache(ctx context.Context, addr, password string, db int, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// SaveAdaptor сохраняет запись об устройстве
func (r *RedisCache) SaveAdaptor(ctx context.Context, a models.Adaptor) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal adaptor: %w", err)
	}
	if err := r.client.HSet(ctx, r.key(AdaptorsKey), a.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save adaptor %s: %w", a.ID, err)
	}
	return nil
}

// LoadAdaptors возвращает все сохраненные устройства.
// Поврежденные записи пропускаются.
func (r *RedisCache) LoadAdaptors(ctx context.Context) ([]models.Adaptor, error) {
	entries, err := r.client.HGetAll(ctx, r.key(AdaptorsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load adaptors: %w", err)
	}
	out := make([]models.Adaptor, 0, len(entries))
	for id, data := range entries {
		var a models.Adaptor
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			continue
		}
		a.ID = id
		out = append(out, a)
	}
	return out, nil
}

// LoadOverrides реализует config.Store
func (r *RedisCache) LoadOverrides(ctx context.Context) (config.Overrides, bool, error) {
	data, err := r.client.Get(ctx, r.key(ConfigKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return config.Overrides{}, false, nil
	}
	if err != nil {
		return config.Overrides{}, false, fmt.Errorf("failed to load config: %w", err)
	}
	var o config.Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return config.Overrides{}, false, fmt.Errorf("%w: stored config: %v", config.ErrInvalid, err)
	}
	return o, true, nil
}

// SaveOverrides реализует config.Store
func (r *RedisCache) SaveOverrides(ctx context.Context, o config.Overrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := r.client.Set(ctx, r.key(ConfigKey), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// RecordBatch сохраняет пакет в журнал последних пакетов
func (r *RedisCache) RecordBatch(ctx context.Context, b models.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(BatchKeyPrefix+b.ID), data, BatchTTL)
	pipe.LPush(ctx, r.key(LatestBatchesKey), data)
	pipe.LTrim(ctx, r.key(LatestBatchesKey), 0, MaxLatestBatches-1)
	pipe.HIncrBy(ctx, r.key(StatsKey), "batches", 1)
	pipe.HIncrBy(ctx, r.key(StatsKey), "events", int64(b.Len()))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}
	return nil
}

// LatestBatches возвращает последние count пакетов, новые первыми
func (r *RedisCache) LatestBatches(ctx context.Context, count int64) ([]models.Batch, error) {
	data, err := r.client.LRange(ctx, r.key(LatestBatchesKey), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest batches: %w", err)
	}

	batches := make([]models.Batch, 0, len(data))
	for _, d := range data {
		var b models.Batch
		if err := json.Unmarshal([]byte(d), &b); err != nil {
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Batch возвращает пакет по идентификатору
func (r *RedisCache) Batch(ctx context.Context, id string) (models.Batch, bool, error) {
	var b models.Batch
	data, err := r.client.Get(ctx, r.key(BatchKeyPrefix+id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return b, false, nil
	}
	if err != nil {
		return b, false, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, false, fmt.Errorf("failed to decode batch %s: %w", id, err)
	}
	return b, true, nil
}

// Totals возвращает накопленные счетчики пакетов и событий
func (r *RedisCache) Totals(ctx context.Context) (batches, events int64, err error) {
	vals, err := r.client.HMGet(ctx, r.key(StatsKey), "batches", "events").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get totals: %w", err)
	}
	return toInt64(vals[0]), toInt64(vals[1]), nil
}

func toInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
