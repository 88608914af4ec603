package tracecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fuseview/fuseview/internal/langfuse"
)

type fakeClient struct {
	mu          sync.Mutex
	projectID   string
	traces      []langfuse.Trace
	details     map[string]*langfuse.TraceWithObservations
	listErr     error
	detailErr   error
	blankMeta   bool
	listCalls   int
	detailCalls int
	lastFilter  langfuse.TraceFilter
}

func (f *fakeClient) ProjectID(_ context.Context) string {
	return f.projectID
}

func (f *fakeClient) GetTraces(_ context.Context, filter langfuse.TraceFilter, page, limit int) (*langfuse.Page[langfuse.Trace], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}

	matched := make([]langfuse.Trace, 0)
	for _, trace := range f.traces {
		if !filter.FromTimestamp.IsZero() && trace.Timestamp.Before(filter.FromTimestamp) {
			continue
		}
		if !filter.ToTimestamp.IsZero() && !trace.Timestamp.Before(filter.ToTimestamp) {
			continue
		}
		if filter.Name != "" && trace.Name != filter.Name {
			continue
		}
		matched = append(matched, trace)
	}

	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	if f.blankMeta {
		return &langfuse.Page[langfuse.Trace]{Data: matched[start:end]}, nil
	}
	totalPages := (len(matched) + limit - 1) / limit
	return &langfuse.Page[langfuse.Trace]{
		Data: matched[start:end],
		Meta: langfuse.PaginationMeta{Page: page, Limit: limit, TotalItems: len(matched), TotalPages: totalPages},
	}, nil
}

func (f *fakeClient) GetTrace(_ context.Context, traceID string) (*langfuse.TraceWithObservations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	detail, ok := f.details[traceID]
	if !ok {
		return nil, &langfuse.APIError{Status: 404, Body: "trace not found"}
	}
	return detail, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
}

func newTestCache(client *fakeClient, opts ...Option) *Cache {
	clients := func(connID string) (Client, bool) {
		if connID == "c1" {
			return client, true
		}
		return nil, false
	}
	base := []Option{WithNowFunc(fixedNow)}
	return New(clients, append(base, opts...)...)
}

func traceAt(id string, ts time.Time) langfuse.Trace {
	return langfuse.Trace{ID: id, Name: "run", Timestamp: ts}
}

func TestListTracesFetchesOnceAndSortsNewestFirst(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		projectID: "proj-1",
		traces: []langfuse.Trace{
			traceAt("t-old", now.Add(-20*time.Minute)),
			traceAt("t-new", now.Add(-1*time.Minute)),
			traceAt("t-mid", now.Add(-10*time.Minute)),
		},
	}
	cache := newTestCache(client)

	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(view.Traces) != 3 {
		t.Fatalf("got %d traces, want 3", len(view.Traces))
	}
	if view.Traces[0].ID != "t-new" || view.Traces[2].ID != "t-old" {
		t.Fatalf("traces not newest first: %v, %v, %v", view.Traces[0].ID, view.Traces[1].ID, view.Traces[2].ID)
	}
	for _, trace := range view.Traces {
		if trace.ProjectID != "proj-1" {
			t.Fatalf("trace %s missing project id", trace.ID)
		}
	}
	if !view.HasMore {
		t.Fatal("initial window must report more history available")
	}
	if !view.Oldest.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("Oldest=%v, want now-30m", view.Oldest)
	}
	if !view.Newest.Equal(now) {
		t.Fatalf("Newest=%v, want now", view.Newest)
	}

	// Second call must come from cache.
	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("cached ListTraces: %v", err)
	}
	if client.listCalls != 1 {
		t.Fatalf("listCalls=%d, want 1", client.listCalls)
	}
}

func TestListTracesExcludesTracesOutsideWindow(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces: []langfuse.Trace{
			traceAt("inside", now.Add(-5*time.Minute)),
			traceAt("outside", now.Add(-45*time.Minute)),
		},
	}
	cache := newTestCache(client)

	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(view.Traces) != 1 || view.Traces[0].ID != "inside" {
		t.Fatalf("window filter failed: %+v", view.Traces)
	}
}

func TestListTracesIssuesOneCallPerWindow(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	traces := make([]langfuse.Trace, 0, 7)
	for i := 0; i < 7; i++ {
		traces = append(traces, traceAt(string(rune('a'+i)), now.Add(-time.Duration(i+1)*time.Minute)))
	}
	client := &fakeClient{traces: traces}
	cache := newTestCache(client, WithPageSize(3))

	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	// One window is exactly one page-1 fetch, even when the backend
	// reports further pages. Older traces arrive via LoadOlder ranges.
	if client.listCalls != 1 {
		t.Fatalf("listCalls=%d, want 1", client.listCalls)
	}
	if len(view.Traces) != 3 {
		t.Fatalf("got %d traces, want one page of 3", len(view.Traces))
	}
}

func TestListTracesTerminatesOnEmptyPaginationMeta(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces:    []langfuse.Trace{traceAt("t1", now.Add(-time.Minute))},
		blankMeta: true,
	}
	cache := newTestCache(client)

	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(view.Traces) != 1 || client.listCalls != 1 {
		t.Fatalf("traces=%d listCalls=%d, want 1 and 1", len(view.Traces), client.listCalls)
	}
}

func TestListTracesWithoutClientFails(t *testing.T) {
	t.Parallel()

	cache := newTestCache(&fakeClient{})
	if _, err := cache.ListTraces(context.Background(), "disconnected"); !errors.Is(err, ErrNoClient) {
		t.Fatalf("ListTraces: %v, want ErrNoClient", err)
	}
}

func TestNextOlderRangeStepsDownToLookbackFloor(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{}
	cache := newTestCache(client, WithLookback(time.Hour))

	// Nothing cached yet.
	if _, _, ok := cache.NextOlderRange("c1"); ok {
		t.Fatal("NextOlderRange before any window must report !ok")
	}

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces: %v", err)
	}

	from, to, ok := cache.NextOlderRange("c1")
	if !ok {
		t.Fatal("NextOlderRange after initial window must be ok")
	}
	if !to.Equal(now.Add(-30*time.Minute)) || !from.Equal(now.Add(-60*time.Minute)) {
		t.Fatalf("range [%v, %v), want [now-60m, now-30m)", from, to)
	}

	view, err := cache.LoadOlder(context.Background(), "c1", from, to)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if view.HasMore {
		t.Fatal("window at the lookback floor must report no more history")
	}
	if _, _, ok := cache.NextOlderRange("c1"); ok {
		t.Fatal("NextOlderRange at the floor must report !ok")
	}
}

func TestLoadOlderAppendsAndExtendsBounds(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces: []langfuse.Trace{
			traceAt("recent", now.Add(-10*time.Minute)),
			traceAt("older", now.Add(-40*time.Minute)),
		},
	}
	cache := newTestCache(client)

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	from, to, ok := cache.NextOlderRange("c1")
	if !ok {
		t.Fatal("NextOlderRange must be ok")
	}

	view, err := cache.LoadOlder(context.Background(), "c1", from, to)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if len(view.Traces) != 2 {
		t.Fatalf("got %d traces after LoadOlder, want 2", len(view.Traces))
	}
	if view.Traces[0].ID != "recent" || view.Traces[1].ID != "older" {
		t.Fatalf("merged window not newest first: %+v", view.Traces)
	}
	if !view.Oldest.Equal(from) {
		t.Fatalf("Oldest=%v, want %v", view.Oldest, from)
	}
	if !view.HasMore {
		t.Fatal("window above the 24h floor must keep HasMore")
	}
}

func TestLoadOlderFailureLeavesWindowIntact(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces: []langfuse.Trace{traceAt("recent", now.Add(-10 * time.Minute))},
	}
	cache := newTestCache(client)

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	from, to, _ := cache.NextOlderRange("c1")

	client.mu.Lock()
	client.listErr = &langfuse.APIError{Status: 503, Body: "overloaded"}
	client.mu.Unlock()

	if _, err := cache.LoadOlder(context.Background(), "c1", from, to); err == nil {
		t.Fatal("LoadOlder must surface fetch failures")
	}

	// The cached window still serves and keeps its original bounds.
	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces after failed LoadOlder: %v", err)
	}
	if len(view.Traces) != 1 || view.Traces[0].ID != "recent" {
		t.Fatalf("window mutated by failed LoadOlder: %+v", view.Traces)
	}
	if !view.Oldest.Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("Oldest=%v changed by failed LoadOlder", view.Oldest)
	}
}

func observationTree(traceID string) *langfuse.TraceWithObservations {
	base := fixedNow().Add(-5 * time.Minute)
	return &langfuse.TraceWithObservations{
		Trace: langfuse.Trace{ID: traceID, Name: "run"},
		Observations: []langfuse.Observation{
			{ID: "d", TraceID: traceID, ParentObservationID: "ghost", StartTime: base.Add(3 * time.Second)},
			{ID: "a", TraceID: traceID, StartTime: base},
			{ID: "b", TraceID: traceID, ParentObservationID: "a", StartTime: base.Add(time.Second)},
			{ID: "c", TraceID: traceID, ParentObservationID: traceID, StartTime: base.Add(2 * time.Second)},
		},
	}
}

func TestListObservationsResolvesRoots(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		details: map[string]*langfuse.TraceWithObservations{"t1": observationTree("t1")},
	}
	cache := newTestCache(client)

	roots, err := cache.ListObservations(context.Background(), "c1", "t1")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	// Roots: no parent, parent == trace id, and dangling parent. Sorted
	// by start time ascending.
	if len(roots) != 3 {
		t.Fatalf("got %d roots, want 3: %+v", len(roots), roots)
	}
	if roots[0].ID != "a" || roots[1].ID != "c" || roots[2].ID != "d" {
		t.Fatalf("root order: %v, %v, %v", roots[0].ID, roots[1].ID, roots[2].ID)
	}

	// Second call comes from cache.
	if _, err := cache.ListObservations(context.Background(), "c1", "t1"); err != nil {
		t.Fatalf("cached ListObservations: %v", err)
	}
	if client.detailCalls != 1 {
		t.Fatalf("detailCalls=%d, want 1", client.detailCalls)
	}
}

func TestChildObservations(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		details: map[string]*langfuse.TraceWithObservations{"t1": observationTree("t1")},
	}
	cache := newTestCache(client)

	children, err := cache.ChildObservations(context.Background(), "c1", "t1", "a")
	if err != nil {
		t.Fatalf("ChildObservations: %v", err)
	}
	if len(children) != 1 || children[0].ID != "b" {
		t.Fatalf("children of a: %+v", children)
	}

	leaves, err := cache.ChildObservations(context.Background(), "c1", "t1", "b")
	if err != nil {
		t.Fatalf("ChildObservations leaf: %v", err)
	}
	if len(leaves) != 0 {
		t.Fatalf("leaf should have no children: %+v", leaves)
	}
}

func TestRefreshDropsCachedState(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces:  []langfuse.Trace{traceAt("t1", now.Add(-time.Minute))},
		details: map[string]*langfuse.TraceWithObservations{"t1": observationTree("t1")},
	}
	cache := newTestCache(client)

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if _, err := cache.ListObservations(context.Background(), "c1", "t1"); err != nil {
		t.Fatalf("ListObservations: %v", err)
	}

	cache.Refresh("c1")

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces after refresh: %v", err)
	}
	if _, err := cache.ListObservations(context.Background(), "c1", "t1"); err != nil {
		t.Fatalf("ListObservations after refresh: %v", err)
	}
	if client.listCalls != 2 {
		t.Fatalf("listCalls=%d after refresh, want 2", client.listCalls)
	}
	if client.detailCalls != 2 {
		t.Fatalf("detailCalls=%d after refresh, want 2", client.detailCalls)
	}
}

func TestSetSearchQueryRefetchesWithFilter(t *testing.T) {
	t.Parallel()

	now := fixedNow()
	client := &fakeClient{
		traces: []langfuse.Trace{
			{ID: "t1", Name: "checkout", Timestamp: now.Add(-time.Minute)},
			{ID: "t2", Name: "ingest", Timestamp: now.Add(-2 * time.Minute)},
		},
	}
	cache := newTestCache(client)

	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces: %v", err)
	}

	cache.SetSearchQuery("checkout")
	view, err := cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces with search: %v", err)
	}
	if len(view.Traces) != 1 || view.Traces[0].ID != "t1" {
		t.Fatalf("search window: %+v", view.Traces)
	}
	client.mu.Lock()
	filterName := client.lastFilter.Name
	client.mu.Unlock()
	if filterName != "checkout" {
		t.Fatalf("search query not forwarded to the API filter, got %q", filterName)
	}

	// Re-applying the same query must not invalidate.
	cache.SetSearchQuery("checkout")
	if _, err := cache.ListTraces(context.Background(), "c1"); err != nil {
		t.Fatalf("ListTraces after no-op search: %v", err)
	}
	client.mu.Lock()
	calls := client.listCalls
	client.mu.Unlock()
	if calls != 2 {
		t.Fatalf("listCalls=%d, want 2 (no-op search must keep the cache)", calls)
	}

	cache.ClearSearch()
	if cache.SearchQuery() != "" {
		t.Fatalf("SearchQuery=%q after clear", cache.SearchQuery())
	}
	view, err = cache.ListTraces(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListTraces after clear: %v", err)
	}
	if len(view.Traces) != 2 {
		t.Fatalf("cleared search should restore the full window, got %d traces", len(view.Traces))
	}
}
