// Package metrics - счетчики конвейера с периодической выгрузкой снимка в Redis.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	KeyPrefix             = "alertsync:metrics:"
	SnapshotTTL           = 2 * time.Minute
	DefaultReportInterval = 30 * time.Second
)

// Snapshot - состояние счетчиков одного процесса.
type Snapshot struct {
	Service     string    `json:"service"`
	Instance    string    `json:"instance"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`

	MessagesReceived  uint64 `json:"messages_received"`
	MessagesProcessed uint64 `json:"messages_processed"`
	ProcessingErrors  uint64 `json:"processing_errors"`

	AvgProcessingLatencyMs float64           `json:"avg_processing_latency_ms"`
	Custom                 map[string]uint64 `json:"custom,omitempty"`
}

// Store - подмножество клиента Redis, в которое пишутся снимки.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Collector считает события и пишет снимок в Redis раз в reportInterval.
type Collector struct {
	service  string
	instance string
	store    Store
	logger   zerolog.Logger

	startedAt      time.Time
	reportInterval time.Duration

	received  atomic.Uint64
	processed atomic.Uint64
	errors    atomic.Uint64
	latencyNs atomic.Uint64

	customMu sync.RWMutex
	custom   map[string]*atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector создает коллектор. store может быть nil - тогда снимки никуда не пишутся.
func NewCollector(service, instance string, store Store, logger zerolog.Logger) *Collector {
	return &Collector{
		service:        service,
		instance:       instance,
		store:          store,
		logger:         logger.With().Str("component", "metrics").Logger(),
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		custom:         make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// Connect подключается к Redis и проверяет соединение.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

func (c *Collector) SetReportInterval(d time.Duration) {
	if d > 0 {
		c.reportInterval = d
	}
}

// Start запускает периодическую выгрузку. При остановке пишется финальный снимок.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Flush(context.Background())
				return
			case <-c.stopCh:
				c.Flush(context.Background())
				return
			case <-ticker.C:
				c.Flush(ctx)
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) RecordReceived() { c.received.Add(1) }

func (c *Collector) RecordProcessed(latency time.Duration) {
	c.processed.Add(1)
	c.latencyNs.Add(uint64(latency.Nanoseconds()))
}

func (c *Collector) RecordError() { c.errors.Add(1) }

func (c *Collector) IncrementCustom(name string) {
	c.customMu.RLock()
	counter, ok := c.custom[name]
	c.customMu.RUnlock()
	if !ok {
		c.customMu.Lock()
		if counter, ok = c.custom[name]; !ok {
			counter = &atomic.Uint64{}
			c.custom[name] = counter
		}
		c.customMu.Unlock()
	}
	counter.Add(1)
}

// Snapshot возвращает текущее состояние счетчиков.
func (c *Collector) Snapshot() *Snapshot {
	processed := c.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(c.latencyNs.Load()) / float64(processed) / float64(time.Millisecond)
	}

	c.customMu.RLock()
	custom := make(map[string]uint64, len(c.custom))
	for name, counter := range c.custom {
		custom[name] = counter.Load()
	}
	c.customMu.RUnlock()

	return &Snapshot{
		Service:                c.service,
		Instance:               c.instance,
		StartedAt:              c.startedAt,
		LastUpdated:            time.Now().UTC(),
		MessagesReceived:       c.received.Load(),
		MessagesProcessed:      processed,
		ProcessingErrors:       c.errors.Load(),
		AvgProcessingLatencyMs: avg,
		Custom:                 custom,
	}
}

// Key - ключ снимка в Redis.
func (c *Collector) Key() string {
	return KeyPrefix + c.service + ":" + c.instance
}

// Flush пишет снимок в Redis. Ошибки только логируются.
func (c *Collector) Flush(ctx context.Context) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal metrics")
		return
	}
	if err := c.store.Set(ctx, c.Key(), data, SnapshotTTL).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", c.Key()).Msg("Failed to write metrics to Redis")
		return
	}
	c.logger.Debug().Str("key", c.Key()).Msg("Metrics written to Redis")
}

// Noop - реализация без побочных эффектов.
type Noop struct{}

func (Noop) RecordReceived()               {}
func (Noop) RecordProcessed(time.Duration) {}
func (Noop) RecordError()                  {}
func (Noop) IncrementCustom(string)        {}
