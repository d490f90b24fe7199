package scraper

import (
	"sync"
	"time"

	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/progress"
)

// recentFailureWindow bounds the failed pairs kept for the auto-stop report.
const recentFailureWindow = 50

// CollectionState is everything the loop mutates while it runs. It is owned
// by one Runner; the mutex only serves readers such as the progress endpoint.
type CollectionState struct {
	mu sync.Mutex

	auth                models.AuthContext
	key                 string
	record              *progress.Record
	currentPair         string
	consecutiveFailures int
	recentFailures      []string
	result              *models.CollectionResult
}

func newCollectionState(start time.Time) *CollectionState {
	return &CollectionState{
		result: &models.CollectionResult{
			StartTime:    start,
			ErrorsByType: make(map[string]int),
		},
	}
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Key                 string    `json:"key"`
	CurrentPair         string    `json:"current_pair,omitempty"`
	KeyCompleted        int       `json:"key_completed"`
	KeyFailed           int       `json:"key_failed"`
	TotalPairs          int       `json:"total_pairs"`
	Attempted           int       `json:"attempted"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Skipped             int       `json:"skipped"`
	RowsWritten         int       `json:"rows_written"`
	TokenRefreshes      int       `json:"token_refreshes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AutoStopped         bool      `json:"auto_stopped"`
	StartedAt           time.Time `json:"started_at"`
}

// Snapshot copies the counters under the lock.
func (s *CollectionState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Key:                 s.key,
		CurrentPair:         s.currentPair,
		TotalPairs:          s.result.TotalPairs,
		Attempted:           s.result.Attempted,
		Completed:           s.result.Completed,
		Failed:              s.result.Failed,
		Skipped:             s.result.Skipped,
		RowsWritten:         s.result.RowsWritten,
		TokenRefreshes:      s.result.TokenRefreshes,
		ConsecutiveFailures: s.consecutiveFailures,
		AutoStopped:         s.result.AutoStopped,
		StartedAt:           s.result.StartTime,
	}
	if s.record != nil {
		snap.KeyCompleted = len(s.record.Completed)
		snap.KeyFailed = len(s.record.Failed)
	}
	return snap
}

func (s *CollectionState) update(fn func(*CollectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *CollectionState) currentAuth() models.AuthContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *CollectionState) beginKey(key string, rec *progress.Record, pairs int) {
	s.update(func(s *CollectionState) {
		s.key = key
		s.record = rec
		s.result.TotalPairs += pairs
		s.result.Keys = append(s.result.Keys, key)
	})
}

// recordFailure returns the consecutive failure count after this failure.
func (s *CollectionState) recordFailure(pair, class string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.result.Failed++
	s.result.ErrorsByType[class]++
	s.recentFailures = append(s.recentFailures, pair)
	if len(s.recentFailures) > recentFailureWindow {
		s.recentFailures = s.recentFailures[len(s.recentFailures)-recentFailureWindow:]
	}
	return s.consecutiveFailures
}

func (s *CollectionState) recordSuccess(rows int) {
	s.update(func(s *CollectionState) {
		s.consecutiveFailures = 0
		s.result.Completed++
		s.result.RowsWritten += rows
	})
}

func (s *CollectionState) lastFailures(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.recentFailures) {
		n = len(s.recentFailures)
	}
	return append([]string(nil), s.recentFailures[len(s.recentFailures)-n:]...)
}
