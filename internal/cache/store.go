// internal/cache/store.go
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ssprotocol/amm-valuator/internal/utils/metrics"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

const (
	// SlotKey is the versioned slot; bump it when the entry shape changes.
	SlotKey = "ammValuesCache_v3"

	DefaultTTL = 5 * time.Minute
)

// ErrCacheUnavailable wraps backend failures. Store never returns it to
// callers; it only appears in logs.
var ErrCacheUnavailable = errors.New("result cache unavailable")

type entry struct {
	Values           map[string]string `json:"values"`
	TotalSum         string            `json:"totalSum"`
	Timestamp        int64             `json:"timestamp"` // unix ms
	TotalUnavailable bool              `json:"totalUnavailable,omitempty"`
	Unpriced         []string          `json:"unpriced,omitempty"`
}

// Store persists the most recent valuation with a freshness window. Every
// failure is swallowed: a broken cache behaves like an empty one.
type Store struct {
	backend Backend
	slot    string
	ttl     time.Duration
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithMetrics records cache hits, misses and failures.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store over backend. A nil backend yields a store that
// never hits.
func NewStore(backend Backend, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		slot:    SlotKey,
		ttl:     DefaultTTL,
		clock:   clock.New(),
		logger:  logger.Named("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the cached valuation if one exists and is younger than the
// TTL. Corrupt or unreadable entries count as a miss.
func (s *Store) Load() (valuation.Valuation, bool) {
	if s.backend == nil {
		return valuation.Valuation{}, false
	}

	data, err := s.backend.Read(s.slot)
	switch {
	case errors.Is(err, ErrNotFound):
		s.metrics.RecordCache("load", "miss")
		return valuation.Valuation{}, false
	case err != nil:
		s.metrics.RecordCache("load", "error")
		s.logger.Debug("Cache read failed", zap.Error(fmt.Errorf("%w: %v", ErrCacheUnavailable, err)))
		return valuation.Valuation{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.metrics.RecordCache("load", "error")
		s.logger.Debug("Cache entry corrupt", zap.Error(err))
		return valuation.Valuation{}, false
	}

	at := time.UnixMilli(e.Timestamp)
	age := s.clock.Since(at)
	if age >= s.ttl || age < 0 {
		s.metrics.RecordCache("load", "expired")
		return valuation.Valuation{}, false
	}

	s.metrics.RecordCache("load", "hit")
	values := e.Values
	if values == nil {
		values = map[string]string{}
	}
	return valuation.Valuation{
		Values:           values,
		TotalSum:         e.TotalSum,
		Timestamp:        at,
		TotalUnavailable: e.TotalUnavailable,
		Unpriced:         e.Unpriced,
	}, true
}

// Save stamps v with the current time and writes it.
func (s *Store) Save(v valuation.Valuation) {
	if s.backend == nil {
		return
	}
	data, err := json.Marshal(entry{
		Values:           v.Values,
		TotalSum:         v.TotalSum,
		Timestamp:        s.clock.Now().UnixMilli(),
		TotalUnavailable: v.TotalUnavailable,
		Unpriced:         v.Unpriced,
	})
	if err != nil {
		s.metrics.RecordCache("save", "error")
		s.logger.Debug("Cache entry encode failed", zap.Error(err))
		return
	}
	if err := s.backend.Write(s.slot, data); err != nil {
		s.metrics.RecordCache("save", "error")
		s.logger.Debug("Cache write failed", zap.Error(fmt.Errorf("%w: %v", ErrCacheUnavailable, err)))
		return
	}
	s.metrics.RecordCache("save", "ok")
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
