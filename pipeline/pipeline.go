package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// DefaultDedupeSize bounds the index of rows written so far.
const DefaultDedupeSize = 100_000

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(rows []*models.OutputRow) error
	Close() error
	Validate() error
}

// PairIndex is implemented by writers that know which pairs the output
// already holds.
type PairIndex interface {
	HasPair(pair models.PairKey) bool
}

// PartialIndex is implemented by writers that can drop the rows of a pair
// whose write was interrupted by a crash.
type PartialIndex interface {
	PartialPair() (models.PairKey, bool)
	DiscardPartial(pair models.PairKey) (bool, error)
}

// Pipeline validates, de-duplicates and writes the rows of one pair at a
// time. Writes are synchronous: when Process returns nil the rows are on disk,
// which is what allows the caller to mark the pair done afterwards.
type Pipeline struct {
	writer OutputWriter
	seen   *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex
	closed bool

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline around writer. dedupeSize <= 0 selects
// DefaultDedupeSize.
func NewPipeline(writer OutputWriter, dedupeSize int) (*Pipeline, error) {
	if writer == nil {
		return nil, fmt.Errorf("pipeline: nil writer")
	}
	if dedupeSize <= 0 {
		dedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: dedupe cache: %w", err)
	}
	return &Pipeline{
		writer:   writer,
		seen:     seen,
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}, nil
}

// Process writes the valid rows of one pair and returns how many were
// written. Rows identical to one written by an earlier call are skipped.
func (p *Pipeline) Process(rows []*models.OutputRow) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPipelineClosed
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Every option of one response is kept, even identical ones; only rows
	// already written by an earlier call are dropped.
	batch := make([]*models.OutputRow, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if err := parser.ValidateRow(row); err != nil {
			p.metrics.addValidation("invalid_record")
			continue
		}
		id := rowIdentity(row)
		if p.seen.Contains(id) {
			p.metrics.addValidation("duplicate_row")
			continue
		}
		batch = append(batch, row)
		ids = append(ids, id)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := p.writer.Write(batch); err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}
	for _, id := range ids {
		p.seen.Add(id, struct{}{})
	}
	p.metrics.addProcessed(len(batch))
	return len(batch), nil
}

// rowIdentity is the rendered record without its timestamp, so two options
// differing only in qty or price stay distinct.
func rowIdentity(row *models.OutputRow) string {
	return strings.Join(Record(row)[1:], "\x1f")
}

// HasPair reports whether the underlying output already holds rows for pair.
// Writers without an index report false.
func (p *Pipeline) HasPair(pair models.PairKey) bool {
	idx, ok := p.writer.(PairIndex)
	if !ok {
		return false
	}
	return idx.HasPair(pair)
}

// PartialPair reports the pair whose rows the output may hold only in part.
func (p *Pipeline) PartialPair() (models.PairKey, bool) {
	idx, ok := p.writer.(PartialIndex)
	if !ok {
		return models.PairKey{}, false
	}
	return idx.PartialPair()
}

// DiscardPartial drops the rows of an interrupted pair from the output.
func (p *Pipeline) DiscardPartial(pair models.PairKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.writer.(PartialIndex)
	if !ok {
		return false, nil
	}
	return idx.DiscardPartial(pair)
}

// Close flushes and closes the writer. Later calls to Process fail.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
	return p.writer.Close()
}

// Validate checks the output once the run is over.
func (p *Pipeline) Validate() error {
	return p.writer.Validate()
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(logger *slog.Logger, interval time.Duration) {
	if interval <= 0 || logger == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_rows"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				logger.Info("pipeline progress",
					"processed_rows", processed,
					"invalid_rows", validation["invalid_record"],
					"duplicate_rows", validation["duplicate_row"],
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_rows":    m.processed,
		"validation_errors": copyValidation,
	}
}
