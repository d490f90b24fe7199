package scraper

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/rxprice-collector/config"
	"github.com/aluiziolira/rxprice-collector/inputs"
	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/pipeline"
	"github.com/aluiziolira/rxprice-collector/progress"
)

type fakeTokens struct {
	mu         sync.Mutex
	current    models.AuthContext
	next       models.AuthContext
	currentErr error
	refreshErr error
	refreshes  int
}

func (f *fakeTokens) Current(context.Context) (models.AuthContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return models.AuthContext{}, f.currentErr
	}
	return f.current, nil
}

func (f *fakeTokens) Refresh(context.Context) (models.AuthContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return models.AuthContext{}, f.refreshErr
	}
	f.current = f.next
	return f.current, nil
}

// cancelAfter cancels the run once n fetches have returned.
type cancelAfter struct {
	inner  Fetcher
	n      int
	calls  int
	cancel context.CancelFunc
}

func (f *cancelAfter) Fetch(ctx context.Context, item models.WorkItem, auth models.AuthContext) FetchResult {
	res := f.inner.Fetch(ctx, item, auth)
	f.calls++
	if f.calls == f.n {
		f.cancel()
	}
	return res
}

type harness struct {
	cfg       *config.Config
	dir       string
	csvPath   string
	client    *Client
	transport *httpmock.MockTransport
	tokens    *fakeTokens
	pipe      *pipeline.Pipeline
	store     *progress.Store
}

func newHarness(t *testing.T, dir string, cfg *config.Config) *harness {
	t.Helper()
	client, transport := newTestClient(t, cfg)

	csvPath := filepath.Join(dir, "pharmacy_data.csv")
	writer, err := pipeline.NewCSVWriter(csvPath)
	if err != nil {
		t.Fatalf("csv writer: %v", err)
	}
	pipe, err := pipeline.NewPipeline(writer, 0)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() { _ = pipe.Close() })

	return &harness{
		cfg:       cfg,
		dir:       dir,
		csvPath:   csvPath,
		client:    client,
		transport: transport,
		tokens:    &fakeTokens{current: testAuth},
		pipe:      pipe,
		store:     progress.NewStore(dir),
	}
}

func (h *harness) runner(fetcher Fetcher) *Runner {
	if fetcher == nil {
		fetcher = h.client
	}
	return NewRunner(OptionsFromConfig(h.cfg), fetcher, h.tokens, h.pipe, h.store, h.client.Metrics, quietLogger())
}

func (h *harness) run(t *testing.T, plan *inputs.Plan) *models.CollectionResult {
	t.Helper()
	res, err := h.runner(nil).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func (h *harness) record(t *testing.T, state string) *progress.Record {
	t.Helper()
	rec, err := h.store.Load(progress.Key{State: state, Batch: h.cfg.Batch, TotalBatches: h.cfg.TotalBatches, Test: h.cfg.TestMode})
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	return rec
}

// respondByZip serves a fixed status and body per zip code.
func respondByZip(bodies map[string]string, statuses map[string]int) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		zip := req.URL.Query().Get("zipCode")
		status := http.StatusOK
		if s, ok := statuses[zip]; ok {
			status = s
		}
		body, ok := bodies[zip]
		if !ok {
			body = pharmaciesBody(zip, 1)
		}
		return httpmock.NewStringResponse(status, body), nil
	}
}

func pharmaciesBody(zip string, n int) string {
	items := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, fmt.Sprintf(
			`{"name":"Pharmacy %d","address":{"street":"%d Main St","city":"Atlanta","state":"GA","zip":%q},"ndc":"N%d","careEstimateResult":{"providerPrice":%d}}`,
			i, i, zip, i, 10+i,
		))
	}
	return `{"facilityBenefitAmount": 4, "pharmacies": [` + strings.Join(items, ",") + `]}`
}

func testPlan(state string, drugs []string, zips ...string) *inputs.Plan {
	plan := &inputs.Plan{
		States: []string{state},
		Zips:   map[string][]models.ZipLocation{},
	}
	for _, code := range drugs {
		plan.Drugs = append(plan.Drugs, models.Drug{ProcedureCode: code, UUID: "uuid-" + code, Name: "Drug " + code})
	}
	for _, zip := range zips {
		plan.Zips[state] = append(plan.Zips[state], models.ZipLocation{State: state, Zip: zip, City: "Atlanta", Lat: 33.7, Lng: -84.4})
	}
	return plan
}

// csvPairs counts data rows per pair and fails on duplicate row identities.
func csvPairs(t *testing.T, path string) map[string]int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("csv has no header")
	}

	col := func(name string) int {
		for i, h := range pipeline.Header {
			if h == name {
				return i
			}
		}
		t.Fatalf("no column %s", name)
		return -1
	}
	drug, zip, name := col("procedure_code"), col("zip_code"), col("pharmacy_name")

	pairs := map[string]int{}
	seen := map[string]bool{}
	for _, rec := range records[1:] {
		id := rec[drug] + "|" + rec[zip] + "|" + rec[name]
		if seen[id] {
			t.Fatalf("duplicate row %s", id)
		}
		seen[id] = true
		pairs[rec[drug]+"_"+rec[zip]]++
	}
	return pairs
}

func TestRunCollectsEveryPair(t *testing.T) {
	cfg := testConfig()
	cfg.Batch, cfg.TotalBatches = 1, 1
	h := newHarness(t, t.TempDir(), cfg)
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(map[string]string{
		"30301": pharmaciesBody("30301", 2),
		"30302": pharmaciesBody("30302", 1),
	}, nil))

	r := h.runner(nil)
	res, err := r.Run(context.Background(), testPlan("GA", []string{"D1"}, "30301", "30302"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := h.transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if !res.Success() || res.Completed != 2 || res.RowsWritten != 3 || res.Outstanding != 0 {
		t.Fatalf("result = %+v", res)
	}

	rec := h.record(t, "GA")
	for _, pair := range []string{"D1_30301", "D1_30302"} {
		key, _ := models.ParsePairKey(pair)
		if !rec.IsDone(key) {
			t.Fatalf("progress missing %s", pair)
		}
	}

	pairs := csvPairs(t, h.csvPath)
	if pairs["D1_30301"] != 2 || pairs["D1_30302"] != 1 {
		t.Fatalf("csv pairs = %v", pairs)
	}

	snap := r.State().Snapshot()
	if snap.Key != "GA_batch1of1" || snap.Completed != 2 || snap.KeyCompleted != 2 || snap.RowsWritten != 3 || snap.CurrentPair != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunRefreshesTokenOnce(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.tokens.current = models.AuthContext{Token: "stale", MemberUUID: "member-1"}
	h.tokens.next = models.AuthContext{Token: "fresh", MemberUUID: "member-1"}

	h.transport.RegisterResponder(http.MethodGet, testBaseURL, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Token") != "fresh" {
			return httpmock.NewStringResponse(401, `{"error":"token expired"}`), nil
		}
		return httpmock.NewStringResponse(200, pharmaciesBody(req.URL.Query().Get("zipCode"), 1)), nil
	})

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301", "30302"))

	if h.tokens.refreshes != 1 || res.TokenRefreshes != 1 {
		t.Fatalf("refreshes = %d/%d, want 1", h.tokens.refreshes, res.TokenRefreshes)
	}
	if got := h.transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunAuthStillRejectedFailsPair(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(401, ""))

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301"))

	if got := h.transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if h.tokens.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", h.tokens.refreshes)
	}
	if res.Failed != 1 || res.ErrorsByType["auth_expired"] != 1 || res.Success() {
		t.Fatalf("result = %+v", res)
	}
	if !h.record(t, "GA").IsFailed(models.PairKey{DrugCode: "D1", ZipCode: "30301"}) {
		t.Fatal("pair not recorded as failed")
	}
}

func TestRunRefreshFailureFailsPair(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.tokens.refreshErr = errors.New("script exited 1")
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(403, ""))

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301"))

	if got := h.transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if res.Failed != 1 || res.ErrorsByType["auth_expired"] != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunNoToken(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.tokens.currentErr = errors.New("no token")

	res, err := h.runner(nil).Run(context.Background(), testPlan("GA", []string{"D1"}, "30301"))
	if err == nil {
		t.Fatal("expected error without token")
	}
	if res == nil || res.Outstanding != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := h.transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
}

func TestRunRateLimitedPairIsRetried(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	calls := 0
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(429, ""), nil
		}
		return httpmock.NewStringResponse(200, pharmaciesBody("30301", 1)), nil
	})

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301"))
	if calls != 2 || !res.Success() {
		t.Fatalf("calls = %d, result = %+v", calls, res)
	}
}

func TestRunRateLimitRetriesBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRateLimitRetries = 2
	h := newHarness(t, t.TempDir(), cfg)
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(429, ""))

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301"))
	if got := h.transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if res.ErrorsByType["rate_limited"] != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunPermanentFailureContinues(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, testConfig())
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, map[string]int{"30301": 404}))

	plan := testPlan("GA", []string{"D1"}, "30301", "30302")
	res := h.run(t, plan)

	if res.Completed != 1 || res.Failed != 1 || res.Outstanding != 1 || res.Success() {
		t.Fatalf("result = %+v", res)
	}
	if len(res.FailedPairs) != 1 || res.FailedPairs[0] != "GA:D1_30301" {
		t.Fatalf("failed pairs = %v", res.FailedPairs)
	}

	// A later run leaves the failed pair alone.
	again := newHarness(t, dir, testConfig())
	again.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))
	res = again.run(t, plan)
	if got := again.transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
	if res.Skipped != 2 || res.Outstanding != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Retrying failed pairs re-issues only that pair.
	cfg := testConfig()
	cfg.RetryFailed = true
	retry := newHarness(t, dir, cfg)
	retry.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))
	res = retry.run(t, plan)
	if got := retry.transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	rec := retry.record(t, "GA")
	if len(rec.Failed) != 0 || len(rec.Completed) != 2 {
		t.Fatalf("record completed=%v failed=%v", rec.Completed, rec.Failed)
	}
}

func TestRunAutoStops(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, t.TempDir(), cfg)
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, httpmock.NewStringResponder(404, ""))

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301", "30302", "30303", "30304"))

	if got := h.transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if !res.AutoStopped || res.Outstanding != 4 || res.Success() {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunSuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, t.TempDir(), cfg)
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, map[string]int{"30301": 404, "30303": 404}))

	res := h.run(t, testPlan("GA", []string{"D1"}, "30301", "30302", "30303", "30304"))
	if res.AutoStopped || res.Completed != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunResumeIsIdempotent(t *testing.T) {
	plan := testPlan("GA", []string{"D1", "D2"}, "30301", "30302")
	bodies := map[string]string{
		"30301": pharmaciesBody("30301", 2),
		"30302": pharmaciesBody("30302", 3),
	}

	ref := newHarness(t, t.TempDir(), testConfig())
	ref.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(bodies, nil))
	ref.run(t, plan)
	want := csvPairs(t, ref.csvPath)

	dir := t.TempDir()
	first := newHarness(t, dir, testConfig())
	first.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(bodies, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancelAfter{inner: first.client, n: 2, cancel: cancel}
	res, err := first.runner(fetcher).Run(ctx, plan)
	if err != nil {
		t.Fatalf("interrupted run: %v", err)
	}
	if !res.Interrupted || res.Completed != 2 || res.Success() {
		t.Fatalf("interrupted result = %+v", res)
	}
	if err := first.pipe.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newHarness(t, dir, testConfig())
	second.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(bodies, nil))
	res = second.run(t, plan)
	if got := second.transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("resumed calls = %d, want 2", got)
	}
	if !res.Success() || res.Skipped != 2 {
		t.Fatalf("resumed result = %+v", res)
	}

	got := csvPairs(t, second.csvPath)
	if len(got) != len(want) {
		t.Fatalf("pairs = %v, want %v", got, want)
	}
	for pair, n := range want {
		if got[pair] != n {
			t.Fatalf("pair %s rows = %d, want %d", pair, got[pair], n)
		}
	}
}

func TestRunPairWrittenButNotRecorded(t *testing.T) {
	plan := testPlan("GA", []string{"D1"}, "30301", "30302", "30303")
	dir := t.TempDir()

	first := newHarness(t, dir, testConfig())
	first.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := first.runner(&cancelAfter{inner: first.client, n: 2, cancel: cancel}).Run(ctx, plan); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := first.pipe.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Drop the last completed pair as if the process died between the CSV
	// append and the progress flush.
	rec := first.record(t, "GA")
	if len(rec.Completed) != 2 {
		t.Fatalf("completed = %v", rec.Completed)
	}
	rec.Completed = rec.Completed[:1]
	if err := first.store.Flush(rec); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second := newHarness(t, dir, testConfig())
	second.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))
	res := second.run(t, plan)

	if got := second.transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	pairs := csvPairs(t, second.csvPath)
	for _, pair := range []string{"D1_30301", "D1_30302", "D1_30303"} {
		if pairs[pair] != 1 {
			t.Fatalf("pair %s rows = %d, want 1", pair, pairs[pair])
		}
	}
	if got := len(second.record(t, "GA").Completed); got != 3 {
		t.Fatalf("completed = %d, want 3", got)
	}
}

// appendCrashedWrite leaves the CSV the way a crash in the middle of a
// write does: some complete rows of pair, then a torn line.
func appendCrashedWrite(t *testing.T, path string, pair models.PairKey, complete int) {
	t.Helper()
	var b strings.Builder
	w := csv.NewWriter(&b)
	for i := 1; i <= complete; i++ {
		row := &models.OutputRow{
			Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			State:         "GA",
			ZipCode:       pair.ZipCode,
			City:          "Atlanta",
			ProcedureCode: pair.DrugCode,
			PharmacyName:  fmt.Sprintf("Pharmacy %d", i),
			NDC:           fmt.Sprintf("N%d", i),
		}
		if err := w.Write(pipeline.Record(row)); err != nil {
			t.Fatalf("render row: %v", err)
		}
	}
	w.Flush()
	b.WriteString(`2025-06-01T12:00:00Z,GA,` + pair.ZipCode + `,"Atl`)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRunResumesAfterCrashMidWrite(t *testing.T) {
	tests := []struct {
		name     string
		complete int
	}{
		{name: "some rows of the pair on disk", complete: 2},
		{name: "torn first row", complete: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan("GA", []string{"D1"}, "30301", "30302", "30303")
			bodies := map[string]string{
				"30301": pharmaciesBody("30301", 3),
				"30302": pharmaciesBody("30302", 3),
				"30303": pharmaciesBody("30303", 3),
			}
			dir := t.TempDir()

			first := newHarness(t, dir, testConfig())
			first.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(bodies, nil))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if _, err := first.runner(&cancelAfter{inner: first.client, n: 2, cancel: cancel}).Run(ctx, plan); err != nil {
				t.Fatalf("first run: %v", err)
			}
			if err := first.pipe.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			appendCrashedWrite(t, first.csvPath, models.PairKey{DrugCode: "D1", ZipCode: "30303"}, tt.complete)

			second := newHarness(t, dir, testConfig())
			second.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(bodies, nil))
			res := second.run(t, plan)

			if got := second.transport.GetTotalCallCount(); got != 1 {
				t.Fatalf("calls = %d, want 1", got)
			}
			if !res.Success() {
				t.Fatalf("result = %+v", res)
			}
			if err := second.pipe.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			pairs := csvPairs(t, second.csvPath)
			for _, pair := range []string{"D1_30301", "D1_30302", "D1_30303"} {
				if pairs[pair] != 3 {
					t.Fatalf("pair %s rows = %d, want 3 (%v)", pair, pairs[pair], pairs)
				}
			}
		})
	}
}

func TestRunReportsUnresolvedZips(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))

	plan := testPlan("GA", []string{"D1"}, "30301")
	plan.Unresolved = map[string][]string{"GA": {"30398", "30399"}}
	res := h.run(t, plan)

	if !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	want := []string{"GA:30398", "GA:30399"}
	if len(res.UnresolvedZips) != 2 || res.UnresolvedZips[0] != want[0] || res.UnresolvedZips[1] != want[1] {
		t.Fatalf("unresolved = %v, want %v", res.UnresolvedZips, want)
	}
}

func TestRunMultipleStatesUseSeparateRecords(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig())
	h.transport.RegisterResponder(http.MethodGet, testBaseURL, respondByZip(nil, nil))

	plan := testPlan("GA", []string{"D1"}, "30301")
	plan.States = append(plan.States, "OH")
	plan.Zips["OH"] = []models.ZipLocation{{State: "OH", Zip: "43004", City: "Columbus", Lat: 40, Lng: -82.8}}

	res := h.run(t, plan)
	if !res.Success() || res.Completed != 2 || len(res.Keys) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.record(t, "GA").Completed) != 1 || len(h.record(t, "OH").Completed) != 1 {
		t.Fatal("each state should hold its own pair")
	}
	if _, err := os.Stat(h.store.Path(progress.Key{State: "OH"})); err != nil {
		t.Fatalf("OH progress file: %v", err)
	}
}
