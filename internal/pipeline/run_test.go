package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/plateworks/venuewatch/internal/extract"
	"github.com/plateworks/venuewatch/internal/fetch"
	"github.com/plateworks/venuewatch/internal/snapshot"
	"github.com/plateworks/venuewatch/internal/storage"
	"github.com/plateworks/venuewatch/internal/trim"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result extract.Result
}

func (f *fakeExtractor) Extract(ctx context.Context, venueName, text string) (extract.Result, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	raw, _ := json.Marshal(f.result)
	return f.result, string(raw), nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// venueSite is a mutable fake of the venues' websites: one server, one
// page per venue path.
type venueSite struct {
	mu    sync.Mutex
	pages map[string]string
	srv   *httptest.Server
}

func newVenueSite(t *testing.T) *venueSite {
	t.Helper()
	vs := &venueSite{pages: make(map[string]string)}
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.mu.Lock()
		body, ok := vs.pages[r.URL.Path]
		vs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(vs.srv.Close)
	return vs
}

func (vs *venueSite) set(path, body string) {
	vs.mu.Lock()
	vs.pages[path] = body
	vs.mu.Unlock()
}

func (vs *venueSite) url(path string) string {
	return vs.srv.URL + path
}

type testEnv struct {
	runner    *Runner
	store     *storage.Store
	snaps     *snapshot.Store
	states    *StateFile
	extractor *fakeExtractor
	dataDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dataDir := t.TempDir()
	snaps := snapshot.New(dataDir)
	fetcher := fetch.New(snaps, fetch.Options{Workers: 2, PageCap: 3, Keywords: []string{"menu"}})
	extractor := &fakeExtractor{result: extract.Result{Found: true, Confidence: 0.9}}
	states := NewStateFile(dataDir)

	return &testEnv{
		runner:    NewRunner(store, snaps, fetcher, trim.New(), extractor, states, 0),
		store:     store,
		snaps:     snaps,
		states:    states,
		extractor: extractor,
		dataDir:   dataDir,
	}
}

func (e *testEnv) seedVenue(t *testing.T, site *venueSite, id, body string) {
	t.Helper()
	path := "/" + id
	site.set(path, body)
	v := storage.Venue{ID: id, Name: id, Website: site.url(path)}
	if err := e.store.UpsertVenue(v); err != nil {
		t.Fatalf("seeding venue %s: %v", id, err)
	}
}

func TestRunCeilingAbortsBeforeExtraction(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("v%02d", i)
		env.seedVenue(t, site, id, fmt.Sprintf("<html><body>Venue %d happy hour</body></html>", i))
	}

	_, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: 15})
	if !errors.Is(err, ErrCeilingExceeded) {
		t.Fatalf("err = %v, want ErrCeilingExceeded", err)
	}
	if env.extractor.callCount() != 0 {
		t.Errorf("extraction was called %d times despite the ceiling", env.extractor.callCount())
	}

	st := env.states.Load()
	if st.FailureLabel() != "failed-at-extract-guard" {
		t.Errorf("state = %q, want failed-at-extract-guard", st.FailureLabel())
	}
	if st.CompletedRuns != 0 {
		t.Errorf("CompletedRuns = %d after aborted run", st.CompletedRuns)
	}
}

func TestRunResumesAfterCeilingAbort(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	for i := 0; i < 16; i++ {
		env.seedVenue(t, site, fmt.Sprintf("v%02d", i), fmt.Sprintf("<html><body>Venue %d specials</body></html>", i))
	}

	if _, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: 15}); !errors.Is(err, ErrCeilingExceeded) {
		t.Fatalf("first run: err = %v, want ErrCeilingExceeded", err)
	}

	// Kill the site: the resumed run must not refetch.
	site.srv.Close()

	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: 16})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if sum.Extracted != 16 {
		t.Errorf("Extracted = %d, want 16", sum.Extracted)
	}
	if env.extractor.callCount() != 16 {
		t.Errorf("extraction calls = %d, want 16", env.extractor.callCount())
	}

	st := env.states.Load()
	if st.Status != StatusDone {
		t.Errorf("state = %q, want done", st.Status)
	}
	if st.CompletedRuns != 1 {
		t.Errorf("CompletedRuns = %d, want 1", st.CompletedRuns)
	}
}

func TestRunResumesFromInterruptedStage(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	env.seedVenue(t, site, "v1", "<html><body>Trivia night specials</body></html>")

	if _, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: -1}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Simulate a process killed mid-trim: snapshots and the merged document
	// are on disk, the trimmed document is not, and the state file still
	// says running(trim).
	if err := os.Remove(filepath.Join(env.dataDir, "derived", "trimmed", "v1.json")); err != nil {
		t.Fatalf("removing trimmed document: %v", err)
	}
	if err := env.states.Save(State{
		RunID:   "interrupted",
		RunDate: "2026-08-25",
		Status:  StatusRunning,
		Stage:   StageTrim,
	}); err != nil {
		t.Fatalf("saving interrupted state: %v", err)
	}

	// Kill the site: the resumed run must work from persisted snapshots.
	site.srv.Close()

	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: -1})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if !env.snaps.HasDerived("trimmed", "v1") {
		t.Error("trim stage did not re-run from the merged document")
	}
	if sum.Candidates != 0 || sum.Extracted != 0 {
		t.Errorf("resumed summary = %+v, want no new extraction", sum)
	}
	if st := env.states.Load(); st.Status != StatusDone {
		t.Errorf("state after resume = %q", st.FailureLabel())
	}
}

func TestRunIncrementalRequiresPriorRun(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", Incremental: true, MaxExtractions: -1})
	if !errors.Is(err, ErrNoPriorRun) {
		t.Fatalf("err = %v, want ErrNoPriorRun", err)
	}
}

func TestRunIncrementalThreeDays(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	env.seedVenue(t, site, "stable", "<html><body>Burgers daily, no specials</body></html>")
	env.seedVenue(t, site, "lively", "<html><body>Happy hour 4-6pm</body></html>")

	// Day 1: full run extracts everything.
	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: -1})
	if err != nil {
		t.Fatalf("day 1: %v", err)
	}
	if sum.Extracted != 2 || sum.New != 2 {
		t.Errorf("day 1 summary = %+v", sum)
	}

	// Day 2: one venue changes its specials.
	site.set("/lively", "<html><body>Happy hour 3-7pm, new taps</body></html>")
	sum, err = env.runner.Run(context.Background(), Options{Date: "2026-08-26", Incremental: true, MaxExtractions: -1})
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}
	if sum.Changed != 1 || sum.Unchanged != 1 {
		t.Errorf("day 2 delta counts = %+v", sum)
	}
	if sum.Candidates != 1 || sum.Extracted != 1 {
		t.Errorf("day 2 extraction counts = %+v", sum)
	}
	if env.extractor.callCount() != 3 {
		t.Errorf("total calls after day 2 = %d, want 3", env.extractor.callCount())
	}

	// Day 3: nothing changes, nothing is extracted.
	sum, err = env.runner.Run(context.Background(), Options{Date: "2026-08-27", Incremental: true, MaxExtractions: -1})
	if err != nil {
		t.Fatalf("day 3: %v", err)
	}
	if sum.Unchanged != 2 || sum.Candidates != 0 || sum.Extracted != 0 {
		t.Errorf("day 3 summary = %+v", sum)
	}
	if env.extractor.callCount() != 3 {
		t.Errorf("total calls after day 3 = %d, want 3", env.extractor.callCount())
	}

	st := env.states.Load()
	if st.CompletedRuns != 3 {
		t.Errorf("CompletedRuns = %d, want 3", st.CompletedRuns)
	}
}

func TestRunSameDayRerunExtractsNothing(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	env.seedVenue(t, site, "v1", "<html><body>Happy hour 4-6pm</body></html>")
	env.seedVenue(t, site, "v2", "<html><body>Wing night Tuesdays</body></html>")

	if _, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: -1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if env.extractor.callCount() != 2 {
		t.Fatalf("calls after first run = %d, want 2", env.extractor.callCount())
	}

	// A same-day rerun reuses today's snapshots, and venues whose stored
	// record hash still matches never become candidates — so it survives a
	// ceiling smaller than the venue count and pays for nothing.
	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: 1})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Candidates != 0 || sum.Extracted != 0 {
		t.Errorf("rerun summary = %+v", sum)
	}
	if env.extractor.callCount() != 2 {
		t.Errorf("calls after rerun = %d, want 2", env.extractor.callCount())
	}

	st := env.states.Load()
	if st.Status != StatusDone || st.CompletedRuns != 2 {
		t.Errorf("state after rerun = %+v", st)
	}
}

func TestRunCancelledFetchPersistsFailure(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	if err := env.store.UpsertVenue(storage.Venue{ID: "v1", Name: "v1", Website: srv.URL}); err != nil {
		t.Fatalf("seeding venue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := env.runner.Run(ctx, Options{Date: "2026-08-25", MaxExtractions: -1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	st := env.states.Load()
	if st.FailureLabel() != "failed-at-fetch" {
		t.Errorf("state = %q, want failed-at-fetch", st.FailureLabel())
	}
	if st.CompletedRuns != 0 {
		t.Errorf("CompletedRuns = %d after cancelled run", st.CompletedRuns)
	}
}

func TestRunUnreachableVenueExcluded(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	env.seedVenue(t, site, "up", "<html><body>Happy hour menu</body></html>")

	dead := storage.Venue{ID: "down", Name: "down", Website: "http://127.0.0.1:1/"}
	if err := env.store.UpsertVenue(dead); err != nil {
		t.Fatalf("seeding venue: %v", err)
	}

	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", MaxExtractions: -1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Unreachable != 1 {
		t.Errorf("Unreachable = %d, want 1", sum.Unreachable)
	}
	if sum.Candidates != 1 || sum.Extracted != 1 {
		t.Errorf("summary = %+v, want the reachable venue extracted", sum)
	}
}

func TestRunSingleVenueFilter(t *testing.T) {
	env := newTestEnv(t)
	site := newVenueSite(t)
	env.seedVenue(t, site, "one", "<html><body>Specials here</body></html>")
	env.seedVenue(t, site, "two", "<html><body>More specials</body></html>")

	sum, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", VenueID: "one", MaxExtractions: -1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Extracted != 1 {
		t.Errorf("Extracted = %d, want 1", sum.Extracted)
	}

	if _, err := env.runner.Run(context.Background(), Options{Date: "2026-08-25", VenueID: "ghost"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown venue err = %v, want ErrNotFound", err)
	}
}
