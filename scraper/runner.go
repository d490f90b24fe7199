package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/rxprice-collector/config"
	"github.com/aluiziolira/rxprice-collector/inputs"
	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/parser"
	"github.com/aluiziolira/rxprice-collector/progress"
)

// Fetcher issues one pricing request.
type Fetcher interface {
	Fetch(ctx context.Context, item models.WorkItem, auth models.AuthContext) FetchResult
}

// TokenSource supplies and refreshes the AuthContext.
type TokenSource interface {
	Current(ctx context.Context) (models.AuthContext, error)
	Refresh(ctx context.Context) (models.AuthContext, error)
}

// Sink stores the rows of completed pairs.
type Sink interface {
	Process(rows []*models.OutputRow) (int, error)
	HasPair(pair models.PairKey) bool
	// PartialPair names the last pair of an output whose final write was
	// interrupted, if any.
	PartialPair() (models.PairKey, bool)
	DiscardPartial(pair models.PairKey) (bool, error)
}

// ProgressStore loads and persists progress records.
type ProgressStore interface {
	Load(k progress.Key) (*progress.Record, error)
	Flush(rec *progress.Record) error
}

// RunOptions controls which pairs a run works on and when it gives up.
type RunOptions struct {
	Batch                  int
	TotalBatches           int
	TestMode               bool
	RetryFailed            bool
	MaxConsecutiveFailures int
	MaxRateLimitRetries    int
}

// OptionsFromConfig extracts the run options from cfg.
func OptionsFromConfig(cfg *config.Config) RunOptions {
	return RunOptions{
		Batch:                  cfg.Batch,
		TotalBatches:           cfg.TotalBatches,
		TestMode:               cfg.TestMode,
		RetryFailed:            cfg.RetryFailed,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxRateLimitRetries:    cfg.MaxRateLimitRetries,
	}
}

var errInterrupted = errors.New("collection interrupted")

type pairFailure struct {
	class string
	err   error
}

// Runner drives the collection loop: per state, drugs outer and zips inner,
// skipping pairs the progress record already holds.
type Runner struct {
	opts    RunOptions
	fetcher Fetcher
	tokens  TokenSource
	sink    Sink
	store   ProgressStore
	Metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	state *CollectionState
}

// NewRunner wires a runner.
func NewRunner(opts RunOptions, fetcher Fetcher, tokens TokenSource, sink Sink, store ProgressStore, metrics *Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:    opts,
		fetcher: fetcher,
		tokens:  tokens,
		sink:    sink,
		store:   store,
		Metrics: metrics,
		logger:  logger,
		now:     time.Now,
		state:   newCollectionState(time.Now()),
	}
}

// State exposes the live collection state.
func (r *Runner) State() *CollectionState {
	return r.state
}

// Run processes every state of plan in order. Per-pair failures never stop
// the run; a returned error means the run could not continue (progress or
// output could not be written, or no token could be obtained). The result is
// returned in both cases.
func (r *Runner) Run(ctx context.Context, plan *inputs.Plan) (*models.CollectionResult, error) {
	st := r.state
	st.update(func(s *CollectionState) { s.result.StartTime = r.now() })

	auth, err := r.tokens.Current(ctx)
	if err != nil {
		return r.finish(plan, nil), fmt.Errorf("obtain token: %w", err)
	}
	st.update(func(s *CollectionState) { s.auth = auth })

	records := make(map[string]*progress.Record, len(plan.States))
	for _, state := range plan.States {
		key := r.keyFor(state)
		rec, err := r.store.Load(key)
		if err != nil {
			return r.finish(plan, records), fmt.Errorf("load progress for %s: %w", key, err)
		}
		records[state] = rec
	}
	if err := r.dropPartialPair(plan, records); err != nil {
		return r.finish(plan, records), err
	}

	for _, state := range plan.States {
		key := r.keyFor(state)
		rec := records[state]

		items := plan.WorkItems(state)
		st.beginKey(key.String(), rec, len(items))
		r.logger.Info("processing key",
			"key", key.String(),
			"pairs", len(items),
			"already_completed", len(rec.Completed),
			"already_failed", len(rec.Failed),
		)

		stop, err := r.runKey(ctx, rec, items)
		if err != nil {
			if errors.Is(err, errInterrupted) {
				st.update(func(s *CollectionState) { s.result.Interrupted = true })
				r.logger.Warn("collection interrupted", "key", key.String())
				break
			}
			return r.finish(plan, records), err
		}
		if stop {
			break
		}
	}

	return r.finish(plan, records), nil
}

// dropPartialPair removes the rows of a pair whose write was cut short by a
// crash. Rows of a pair the progress record holds as done are complete and
// stay.
func (r *Runner) dropPartialPair(plan *inputs.Plan, records map[string]*progress.Record) error {
	pair, ok := r.sink.PartialPair()
	if !ok {
		return nil
	}
	for _, state := range plan.States {
		for _, item := range plan.WorkItems(state) {
			if item.Key() != pair {
				continue
			}
			if records[state].IsDone(pair) {
				return nil
			}
			dropped, err := r.sink.DiscardPartial(pair)
			if err != nil {
				return fmt.Errorf("discard partial rows of %s: %w", pair, err)
			}
			if dropped {
				r.logger.Warn("discarded rows of interrupted write, pair will be collected again", "pair", pair.String())
			}
			return nil
		}
	}
	r.logger.Warn("output ends with an interrupted pair outside this plan", "pair", pair.String())
	return nil
}

func (r *Runner) keyFor(state string) progress.Key {
	return progress.Key{
		State:        state,
		Batch:        r.opts.Batch,
		TotalBatches: r.opts.TotalBatches,
		Test:         r.opts.TestMode,
	}
}

// runKey reports stop=true when the run was auto-stopped.
func (r *Runner) runKey(ctx context.Context, rec *progress.Record, items []models.WorkItem) (bool, error) {
	st := r.state
	for i, item := range items {
		if ctx.Err() != nil {
			return false, errInterrupted
		}

		pair := item.Key()
		if rec.IsDone(pair) || (rec.IsFailed(pair) && !r.opts.RetryFailed) {
			r.skip()
			continue
		}
		if r.sink.HasPair(pair) {
			// Rows were written but the run died before the progress flush.
			rec.MarkDone(pair, r.now())
			if err := r.store.Flush(rec); err != nil {
				return false, fmt.Errorf("flush progress: %w", err)
			}
			r.logger.Info("pair already in output, marked done", "pair", pair.String())
			r.skip()
			continue
		}

		log := r.logger.With(
			"pair", pair.String(),
			"drug_code", item.Drug.ProcedureCode,
			"zip", item.Location.Zip,
			"state", item.Location.State,
		)
		log.Info("processing pair",
			"position", i+1,
			"of", len(items),
			"drug", item.Drug.Name,
			"city", item.Location.City,
		)
		st.update(func(s *CollectionState) {
			s.currentPair = pair.String()
			s.result.Attempted++
		})

		rows, failure, err := r.processPair(ctx, item)
		if err != nil {
			return false, err
		}

		if failure != nil {
			rec.MarkFailed(pair, failure.class+": "+failure.err.Error(), r.now())
			if err := r.store.Flush(rec); err != nil {
				return false, fmt.Errorf("flush progress: %w", err)
			}
			r.Metrics.IncPairs("failed")
			consecutive := st.recordFailure(pair.String(), failure.class)
			log.Error("pair failed", "class", failure.class, "consecutive_failures", consecutive, "error", failure.err)

			if limit := r.opts.MaxConsecutiveFailures; limit > 0 && consecutive >= limit {
				st.update(func(s *CollectionState) { s.result.AutoStopped = true })
				r.logger.Error("auto-stop: too many consecutive failures",
					"consecutive_failures", consecutive,
					"recent_failed_pairs", st.lastFailures(limit),
				)
				return true, nil
			}
			continue
		}

		rec.MarkDone(pair, r.now())
		if err := r.store.Flush(rec); err != nil {
			return false, fmt.Errorf("flush progress: %w", err)
		}
		r.Metrics.IncPairs("completed")
		r.Metrics.AddRows(rows)
		st.recordSuccess(rows)
		if rows == 0 {
			log.Warn("no pharmacy data returned")
		} else {
			log.Info("saved pharmacy rows", "rows", rows)
		}
	}
	return false, nil
}

// processPair fetches one pair, refreshing the token at most once and
// retrying rate-limited calls up to MaxRateLimitRetries times. A non-nil
// error aborts the run.
func (r *Runner) processPair(ctx context.Context, item models.WorkItem) (int, *pairFailure, error) {
	st := r.state
	refreshed := false
	rateLimited := 0

	for {
		res := r.fetcher.Fetch(ctx, item, st.currentAuth())
		st.update(func(s *CollectionState) {
			s.result.RequestCount += res.Attempts
			if res.Attempts > 1 {
				s.result.RetryCount += res.Attempts - 1
			}
		})

		if res.Outcome != Success && ctx.Err() != nil {
			return 0, nil, errInterrupted
		}

		switch res.Outcome {
		case Success:
			rows := parser.FlattenResponse(res.Response, item, r.now())
			written, err := r.sink.Process(rows)
			if err != nil {
				return 0, nil, fmt.Errorf("write rows for %s: %w", item.Key(), err)
			}
			return written, nil, nil

		case AuthExpired:
			if refreshed {
				return 0, &pairFailure{class: "auth_expired", err: fmt.Errorf("still rejected after token refresh: %w", res.Err)}, nil
			}
			refreshed = true
			auth, err := r.tokens.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return 0, nil, errInterrupted
				}
				return 0, &pairFailure{class: "auth_expired", err: fmt.Errorf("token refresh failed: %w", err)}, nil
			}
			st.update(func(s *CollectionState) {
				s.auth = auth
				s.result.TokenRefreshes++
			})
			r.Metrics.IncTokenRefresh()
			r.logger.Info("token refreshed, retrying pair", "pair", item.Key().String())

		case RateLimited:
			rateLimited++
			if rateLimited > r.opts.MaxRateLimitRetries {
				return 0, &pairFailure{class: "rate_limited", err: res.Err}, nil
			}

		case Transient:
			return 0, &pairFailure{class: "transient", err: fmt.Errorf("%d attempts: %w", res.Attempts, res.Err)}, nil

		default:
			return 0, &pairFailure{class: "permanent", err: res.Err}, nil
		}
	}
}

func (r *Runner) skip() {
	r.Metrics.IncPairs("skipped")
	r.state.update(func(s *CollectionState) { s.result.Skipped++ })
}

// finish fills in the end-of-run totals. Outstanding counts every pair of
// the plan that is not recorded as completed, including states the run never
// reached.
func (r *Runner) finish(plan *inputs.Plan, records map[string]*progress.Record) *models.CollectionResult {
	st := r.state
	st.mu.Lock()
	defer st.mu.Unlock()

	res := st.result
	res.EndTime = r.now()
	res.Outstanding = 0
	res.FailedPairs = nil
	res.UnresolvedZips = nil
	st.currentPair = ""

	for _, state := range plan.States {
		items := plan.WorkItems(state)
		rec := records[state]
		if rec == nil {
			loaded, err := r.store.Load(r.keyFor(state))
			if err != nil {
				res.Outstanding += len(items)
				continue
			}
			rec = loaded
		}
		for _, item := range items {
			if !rec.IsDone(item.Key()) {
				res.Outstanding++
			}
		}
		for _, pair := range rec.FailedPairs() {
			res.FailedPairs = append(res.FailedPairs, rec.Key+":"+pair)
		}
		for _, zip := range plan.Unresolved[state] {
			res.UnresolvedZips = append(res.UnresolvedZips, state+":"+zip)
		}
	}

	out := *res
	out.Keys = append([]string(nil), res.Keys...)
	out.UnresolvedZips = append([]string(nil), res.UnresolvedZips...)
	out.ErrorsByType = make(map[string]int, len(res.ErrorsByType))
	for k, v := range res.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	return &out
}
