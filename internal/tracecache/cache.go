// Package tracecache maintains per-connection windows of recent traces
// and lazily-loaded observation sets. Windows grow backwards in fixed
// steps down to a lookback ceiling, and every cached range survives
// until an explicit refresh or a search-query change invalidates it.
package tracecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fuseview/fuseview/internal/langfuse"
)

// ErrSuperseded reports that a fetch kept losing to concurrent
// invalidations and the caller should retry with fresh state.
var ErrSuperseded = errors.New("trace window superseded by concurrent refresh")

// ErrNoClient reports that no live session exists for the connection.
var ErrNoClient = errors.New("no client for connection")

const (
	DefaultWindowSize = 30 * time.Minute
	DefaultLookback   = 24 * time.Hour
	DefaultPageSize   = 100

	// maxFetchAttempts bounds how often a fetch is restarted after a
	// concurrent refresh invalidated its result.
	maxFetchAttempts = 3
)

// Client is the API surface the cache needs from a live session.
type Client interface {
	ProjectID(ctx context.Context) string
	GetTraces(ctx context.Context, filter langfuse.TraceFilter, page, limit int) (*langfuse.Page[langfuse.Trace], error)
	GetTrace(ctx context.Context, traceID string) (*langfuse.TraceWithObservations, error)
}

// ClientFunc resolves the live client for a connection id. It returns
// false when the connection is not connected.
type ClientFunc func(connID string) (Client, bool)

// WindowView is a snapshot of one connection's cached trace window.
// Traces are ordered newest first.
type WindowView struct {
	Traces  []langfuse.Trace
	Oldest  time.Time
	Newest  time.Time
	HasMore bool
}

type window struct {
	traces  []langfuse.Trace
	oldest  time.Time
	newest  time.Time
	hasMore bool
}

type Cache struct {
	clients    ClientFunc
	windowSize time.Duration
	lookback   time.Duration
	pageSize   int
	nowFn      func() time.Time
	logger     *slog.Logger

	mu           sync.Mutex
	windows      map[string]*window
	observations map[string][]langfuse.Observation
	generations  map[string]uint64
	searchQuery  string
}

type Option func(*Cache)

func WithWindowSize(size time.Duration) Option {
	return func(c *Cache) {
		if size > 0 {
			c.windowSize = size
		}
	}
}

func WithLookback(lookback time.Duration) Option {
	return func(c *Cache) {
		if lookback > 0 {
			c.lookback = lookback
		}
	}
}

func WithPageSize(size int) Option {
	return func(c *Cache) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func WithNowFunc(nowFn func() time.Time) Option {
	return func(c *Cache) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(clients ClientFunc, opts ...Option) *Cache {
	c := &Cache{
		clients:      clients,
		windowSize:   DefaultWindowSize,
		lookback:     DefaultLookback,
		pageSize:     DefaultPageSize,
		nowFn:        func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		windows:      make(map[string]*window),
		observations: make(map[string][]langfuse.Observation),
		generations:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTraces returns the cached window for a connection, fetching the
// initial window on first use. The view is a copy; callers may not
// mutate cached state through it.
func (c *Cache) ListTraces(ctx context.Context, connID string) (WindowView, error) {
	c.mu.Lock()
	if win, ok := c.windows[connID]; ok {
		view := viewOf(win)
		c.mu.Unlock()
		return view, nil
	}
	query := c.searchQuery
	gen := c.generations[connID]
	c.mu.Unlock()

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		now := c.nowFn()
		to := now
		from := now.Add(-c.windowSize)

		traces, err := c.fetchRange(ctx, connID, from, to, query)
		if err != nil {
			return WindowView{}, err
		}

		c.mu.Lock()
		if c.generations[connID] != gen || c.searchQuery != query {
			// A refresh or search change landed while fetching; the
			// result describes stale state. Start over.
			gen = c.generations[connID]
			query = c.searchQuery
			c.mu.Unlock()
			continue
		}
		if win, ok := c.windows[connID]; ok {
			// Lost a benign race against another ListTraces call.
			view := viewOf(win)
			c.mu.Unlock()
			return view, nil
		}
		win := &window{
			traces:  traces,
			oldest:  from,
			newest:  to,
			hasMore: true,
		}
		sortNewestFirst(win.traces)
		c.windows[connID] = win
		view := viewOf(win)
		c.mu.Unlock()
		return view, nil
	}
	return WindowView{}, ErrSuperseded
}

// NextOlderRange returns the range one window-step below the cached
// window's oldest bound. ok is false when nothing is cached yet or the
// lookback ceiling has been reached.
func (c *Cache) NextOlderRange(connID string) (from, to time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	win, exists := c.windows[connID]
	if !exists || !win.hasMore {
		return time.Time{}, time.Time{}, false
	}
	to = win.oldest
	from = to.Add(-c.windowSize)
	floor := c.nowFn().Add(-c.lookback)
	if !to.After(floor) {
		return time.Time{}, time.Time{}, false
	}
	if from.Before(floor) {
		from = floor
	}
	return from, to, true
}

// LoadOlder extends the cached window backwards with traces from
// [from, to). A fetch failure leaves the existing window untouched.
func (c *Cache) LoadOlder(ctx context.Context, connID string, from, to time.Time) (WindowView, error) {
	c.mu.Lock()
	if _, ok := c.windows[connID]; !ok {
		c.mu.Unlock()
		return WindowView{}, fmt.Errorf("connection %q has no cached window to extend", connID)
	}
	query := c.searchQuery
	gen := c.generations[connID]
	c.mu.Unlock()

	traces, err := c.fetchRange(ctx, connID, from, to, query)
	if err != nil {
		return WindowView{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[connID] != gen || c.searchQuery != query {
		return WindowView{}, ErrSuperseded
	}
	win, ok := c.windows[connID]
	if !ok {
		return WindowView{}, ErrSuperseded
	}

	win.traces = append(win.traces, traces...)
	sortNewestFirst(win.traces)
	win.oldest = from
	win.hasMore = from.After(c.nowFn().Add(-c.lookback))
	return viewOf(win), nil
}

// ListObservations returns the root observations of a trace in
// ascending start-time order, fetching and caching the full nested
// trace on first use.
func (c *Cache) ListObservations(ctx context.Context, connID, traceID string) ([]langfuse.Observation, error) {
	all, err := c.observationsFor(ctx, connID, traceID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(all))
	for _, obs := range all {
		known[obs.ID] = struct{}{}
	}

	roots := make([]langfuse.Observation, 0, len(all))
	for _, obs := range all {
		if isRoot(obs, traceID, known) {
			roots = append(roots, obs)
		}
	}
	sortAscending(roots)
	return roots, nil
}

// ChildObservations returns the direct children of an observation in
// ascending start-time order.
func (c *Cache) ChildObservations(ctx context.Context, connID, traceID, parentID string) ([]langfuse.Observation, error) {
	all, err := c.observationsFor(ctx, connID, traceID)
	if err != nil {
		return nil, err
	}

	children := make([]langfuse.Observation, 0)
	for _, obs := range all {
		if obs.ParentObservationID == parentID && obs.ID != parentID {
			children = append(children, obs)
		}
	}
	sortAscending(children)
	return children, nil
}

// Observations returns the full cached observation list of a trace,
// fetching it when absent. Used by usage and cost summaries.
func (c *Cache) Observations(ctx context.Context, connID, traceID string) ([]langfuse.Observation, error) {
	all, err := c.observationsFor(ctx, connID, traceID)
	if err != nil {
		return nil, err
	}
	out := make([]langfuse.Observation, len(all))
	copy(out, all)
	return out, nil
}

func (c *Cache) observationsFor(ctx context.Context, connID, traceID string) ([]langfuse.Observation, error) {
	key := observationKey(connID, traceID)

	c.mu.Lock()
	if cached, ok := c.observations[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	gen := c.generations[connID]
	c.mu.Unlock()

	client, ok := c.clients(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, connID)
	}

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		detail, err := client.GetTrace(ctx, traceID)
		if err != nil {
			return nil, fmt.Errorf("fetch trace %q: %w", traceID, err)
		}

		c.mu.Lock()
		if c.generations[connID] != gen {
			gen = c.generations[connID]
			c.mu.Unlock()
			continue
		}
		c.observations[key] = detail.Observations
		c.mu.Unlock()
		return detail.Observations, nil
	}
	return nil, ErrSuperseded
}

// Refresh invalidates all cached state for one connection. In-flight
// fetches that started before the refresh will not repopulate the cache.
func (c *Cache) Refresh(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(connID)
}

// RefreshAll invalidates every connection's cached state. Wired as a
// registry observer so connectivity changes never serve stale windows.
func (c *Cache) RefreshAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connID := range c.generations {
		c.invalidateLocked(connID)
	}
	for connID := range c.windows {
		c.invalidateLocked(connID)
	}
}

func (c *Cache) invalidateLocked(connID string) {
	c.generations[connID]++
	delete(c.windows, connID)
	prefix := connID + ":"
	for key := range c.observations {
		if strings.HasPrefix(key, prefix) {
			delete(c.observations, key)
		}
	}
}

// SetSearchQuery installs a server-side name filter for subsequent
// window fetches. Changing the query drops every cached window.
func (c *Cache) SetSearchQuery(query string) {
	query = strings.TrimSpace(query)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchQuery == query {
		return
	}
	c.searchQuery = query
	for connID := range c.generations {
		c.invalidateLocked(connID)
	}
	for connID := range c.windows {
		c.invalidateLocked(connID)
	}
}

// ClearSearch removes the active search filter.
func (c *Cache) ClearSearch() {
	c.SetSearchQuery("")
}

// SearchQuery returns the active search filter, empty when none.
func (c *Cache) SearchQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchQuery
}

// fetchRange pulls the first page of traces in [from, to) and attaches
// the connection's project id to each. One window is one call; traces
// beyond the page size are reached by narrowing the range, not by
// walking pages.
func (c *Cache) fetchRange(ctx context.Context, connID string, from, to time.Time, query string) ([]langfuse.Trace, error) {
	client, ok := c.clients(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, connID)
	}

	filter := langfuse.TraceFilter{
		FromTimestamp: from,
		ToTimestamp:   to,
		Name:          query,
	}
	projectID := client.ProjectID(ctx)

	resp, err := client.GetTraces(ctx, filter, 1, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch traces for connection %q: %w", connID, err)
	}
	out := make([]langfuse.Trace, 0, len(resp.Data))
	for _, trace := range resp.Data {
		trace.ProjectID = projectID
		out = append(out, trace)
	}
	c.logger.Debug("trace range fetched",
		"connection_id", connID,
		"from", from,
		"to", to,
		"count", len(out),
	)
	return out, nil
}

func isRoot(obs langfuse.Observation, traceID string, known map[string]struct{}) bool {
	parent := obs.ParentObservationID
	if parent == "" || parent == traceID {
		return true
	}
	// A dangling parent reference means the parent was trimmed or lives
	// outside the fetched trace; treat the observation as a root so it
	// stays visible.
	_, exists := known[parent]
	return !exists
}

func observationKey(connID, traceID string) string {
	return connID + ":" + traceID
}

func viewOf(win *window) WindowView {
	traces := make([]langfuse.Trace, len(win.traces))
	copy(traces, win.traces)
	return WindowView{
		Traces:  traces,
		Oldest:  win.oldest,
		Newest:  win.newest,
		HasMore: win.hasMore,
	}
}

func sortNewestFirst(traces []langfuse.Trace) {
	sort.SliceStable(traces, func(i, j int) bool {
		if traces[i].Timestamp.Equal(traces[j].Timestamp) {
			return traces[i].ID < traces[j].ID
		}
		return traces[i].Timestamp.After(traces[j].Timestamp)
	})
}

func sortAscending(observations []langfuse.Observation) {
	sort.SliceStable(observations, func(i, j int) bool {
		if observations[i].StartTime.Equal(observations[j].StartTime) {
			return observations[i].ID < observations[j].ID
		}
		return observations[i].StartTime.Before(observations[j].StartTime)
	})
}
