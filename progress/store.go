// Package progress persists which (drug, zip) pairs a batch has finished so
// an interrupted collection can resume without re-issuing requests.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/rxprice-collector/models"
)

// Key names one resumable unit of work: a state, optionally one batch of it,
// optionally in test mode.
type Key struct {
	State        string
	Batch        int
	TotalBatches int
	Test         bool
}

// String renders the key as used in file names, e.g. "GA_batch2of4".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(k.State))
	if k.TotalBatches > 0 {
		fmt.Fprintf(&b, "_batch%dof%d", k.Batch, k.TotalBatches)
	}
	if k.Test {
		b.WriteString("_test")
	}
	return b.String()
}

// Record is the on-disk progress document for one key.
type Record struct {
	Key            string            `json:"key"`
	State          string            `json:"state"`
	Batch          int               `json:"batch,omitempty"`
	TotalBatches   int               `json:"total_batches,omitempty"`
	Completed      []string          `json:"completed"`
	Failed         map[string]string `json:"failed,omitempty"`
	TotalProcessed int               `json:"total_processed"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	done map[models.PairKey]struct{}
}

func newRecord(k Key, now time.Time) *Record {
	return &Record{
		Key:          k.String(),
		State:        k.State,
		Batch:        k.Batch,
		TotalBatches: k.TotalBatches,
		Completed:    []string{},
		Failed:       map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
		done:         make(map[models.PairKey]struct{}),
	}
}

func (r *Record) index() error {
	if r.Completed == nil {
		r.Completed = []string{}
	}
	r.done = make(map[models.PairKey]struct{}, len(r.Completed))
	for _, raw := range r.Completed {
		pair, err := models.ParsePairKey(raw)
		if err != nil {
			return err
		}
		r.done[pair] = struct{}{}
	}
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	for raw := range r.Failed {
		if _, err := models.ParsePairKey(raw); err != nil {
			return err
		}
	}
	return nil
}

// IsDone reports whether pair completed successfully.
func (r *Record) IsDone(pair models.PairKey) bool {
	_, ok := r.done[pair]
	return ok
}

// IsFailed reports whether pair is recorded as permanently failed.
func (r *Record) IsFailed(pair models.PairKey) bool {
	_, ok := r.Failed[pair.String()]
	return ok
}

// MarkDone records a successful pair. A pair that previously failed moves to
// the completed set.
func (r *Record) MarkDone(pair models.PairKey, now time.Time) {
	if r.IsDone(pair) {
		return
	}
	r.done[pair] = struct{}{}
	r.Completed = append(r.Completed, pair.String())
	delete(r.Failed, pair.String())
	r.TotalProcessed++
	r.UpdatedAt = now
}

// MarkFailed records a pair that exhausted its attempts.
func (r *Record) MarkFailed(pair models.PairKey, reason string, now time.Time) {
	if r.IsDone(pair) {
		return
	}
	if _, ok := r.Failed[pair.String()]; !ok {
		r.TotalProcessed++
	}
	r.Failed[pair.String()] = reason
	r.UpdatedAt = now
}

// CompletedPairs returns the completed pairs.
func (r *Record) CompletedPairs() []models.PairKey {
	out := make([]models.PairKey, 0, len(r.done))
	for pair := range r.done {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// FailedPairs returns the sorted failed pair keys.
func (r *Record) FailedPairs() []string {
	out := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Store reads and writes progress records under a directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Path returns the file backing key.
func (s *Store) Path(k Key) string {
	return filepath.Join(s.dir, "progress_"+k.String()+".json")
}

// Load returns the record for key, or an empty one on first run. A file that
// exists but cannot be parsed is an error: resetting it would re-issue every
// recorded pair.
func (s *Store) Load(k Key) (*Record, error) {
	path := s.Path(k)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newRecord(k, s.now()), nil
		}
		return nil, fmt.Errorf("read progress %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse progress %s: %w", path, err)
	}
	if rec.Key != "" && rec.Key != k.String() {
		return nil, fmt.Errorf("progress %s belongs to key %q, want %q", path, rec.Key, k.String())
	}
	rec.Key = k.String()
	rec.State = k.State
	rec.Batch = k.Batch
	rec.TotalBatches = k.TotalBatches
	if err := rec.index(); err != nil {
		return nil, fmt.Errorf("progress %s: %w", path, err)
	}
	return &rec, nil
}

// Flush persists rec by writing a temporary file and renaming it over the
// previous version.
func (s *Store) Flush(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil progress record")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	name := "progress_" + rec.Key + ".json"
	if err := writeFileAtomic(s.dir, name, data); err != nil {
		return fmt.Errorf("write progress %s: %w", name, err)
	}
	return nil
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}
