package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trajcache/trajcache/internal/circuit"
	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// WriteBehindConfig configures asynchronous durability of stored values
type WriteBehindConfig struct {
	MaxPending    int            `yaml:"max_pending"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	Breaker       circuit.Config `yaml:"breaker"`
}

// WriteBehindStats tracks write-behind activity
type WriteBehindStats struct {
	Queued    uint64    `json:"queued"`
	Flushed   uint64    `json:"flushed"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	Pending   int       `json:"pending"`
	LastFlush time.Time `json:"last_flush"`
	Breaker   string    `json:"breaker"`
}

type pendingWrite struct {
	value []byte
	seq   uint64
}

// writeBehind coalesces values per key and persists them off the caller's path.
// A failed write stays pending and is retried on the next flush.
type writeBehind struct {
	flushMu   sync.Mutex
	mu        sync.Mutex
	persister types.Persister
	breaker   *circuit.Breaker
	config    WriteBehindConfig
	logger    *utils.StructuredLogger
	metrics   *metrics.Collector
	clock     func() time.Time

	pending map[string]*pendingWrite
	seq     uint64
	stats   WriteBehindStats

	signal   chan struct{}
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newWriteBehind(persister types.Persister, config WriteBehindConfig, logger *utils.StructuredLogger, m *metrics.Collector, clock func() time.Time) *writeBehind {
	if config.MaxPending <= 0 {
		config.MaxPending = 1024
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	wb := &writeBehind{
		persister: persister,
		config:    config,
		logger:    logger,
		metrics:   m,
		clock:     clock,
		pending:   make(map[string]*pendingWrite),
		signal:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	breakerConfig := config.Breaker
	if breakerConfig.Clock == nil {
		breakerConfig.Clock = clock
	}
	breakerConfig.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("Durability breaker changed state", map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
	}
	wb.breaker = circuit.NewBreaker("persist", breakerConfig)

	go wb.flushLoop()
	return wb
}

// enqueue never blocks. It reports false when the write was dropped.
func (wb *writeBehind) enqueue(key string, value []byte) bool {
	wb.mu.Lock()
	p, exists := wb.pending[key]
	if !exists && len(wb.pending) >= wb.config.MaxPending {
		wb.stats.Dropped++
		wb.mu.Unlock()
		wb.logger.Warn("Write-behind queue full, dropping write", map[string]interface{}{
			"key":         key,
			"max_pending": wb.config.MaxPending,
		})
		return false
	}
	wb.seq++
	if !exists {
		p = &pendingWrite{}
		wb.pending[key] = p
	}
	p.value = value
	p.seq = wb.seq
	wb.stats.Queued++
	wb.mu.Unlock()

	select {
	case wb.signal <- struct{}{}:
	default:
	}
	return true
}

func (wb *writeBehind) flushLoop() {
	defer close(wb.stopped)

	ticker := time.NewTicker(wb.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wb.stopCh:
			// last attempt for anything still pending
			_ = wb.flush(context.Background())
			return
		case <-wb.signal:
			_ = wb.flush(context.Background())
		case <-ticker.C:
			_ = wb.flush(context.Background())
		}
	}
}

// flush persists every pending value once and returns the first failure
func (wb *writeBehind) flush(ctx context.Context) error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	keys := make([]string, 0, len(wb.pending))
	for key := range wb.pending {
		keys = append(keys, key)
	}
	wb.mu.Unlock()
	sort.Strings(keys)

	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		wb.mu.Lock()
		p, ok := wb.pending[key]
		if !ok {
			wb.mu.Unlock()
			continue
		}
		value, seq := p.value, p.seq
		wb.mu.Unlock()

		err := wb.breaker.Execute(ctx, func(ctx context.Context) error {
			return wb.persister.Persist(ctx, key, value)
		})

		wb.mu.Lock()
		if cur, ok := wb.pending[key]; ok && err == nil && cur.seq == seq {
			delete(wb.pending, key)
		}
		if err == nil {
			wb.stats.Flushed++
			wb.stats.LastFlush = wb.clock()
		} else {
			wb.stats.Failed++
		}
		wb.mu.Unlock()

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if errors.IsCode(err, errors.ErrCodeCircuitOpen) {
				wb.metrics.RecordDiskOperation("persist", 0, err)
				return firstErr
			}
			wb.logger.Warn("Write-behind persist failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return firstErr
}

func (wb *writeBehind) getStats() WriteBehindStats {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	s := wb.stats
	s.Pending = len(wb.pending)
	s.Breaker = wb.breaker.State().String()
	return s
}

func (wb *writeBehind) close() {
	wb.stopOnce.Do(func() {
		close(wb.stopCh)
	})
	<-wb.stopped
}
