// Package tree materializes the connection, trace, and observation
// hierarchy into expandable nodes. Fetch failures surface as inline
// message nodes so one bad backend never collapses the whole view.
package tree

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fuseview/fuseview/internal/connstore"
	"github.com/fuseview/fuseview/internal/langfuse"
	"github.com/fuseview/fuseview/internal/observability"
	"github.com/fuseview/fuseview/internal/tracecache"
)

type Kind string

const (
	KindConnection  Kind = "connection"
	KindTrace       Kind = "trace"
	KindObservation Kind = "observation"
	KindLoadOlder   Kind = "load-older"
	KindMessage     Kind = "message"
)

// maxMessageLen bounds inline error text so a multi-line backend
// response cannot blow up a single tree row.
const maxMessageLen = 160

// Node is one row of the materialized hierarchy. Exactly the payload
// fields matching Kind are set.
type Node struct {
	Kind        Kind
	Label       string
	Description string

	ConnectionID string
	Connected    bool
	Trace        *langfuse.Trace
	Observation  *langfuse.Observation

	HasChildren bool
}

// Registry is the connectivity surface the tree needs.
type Registry interface {
	Connections(ctx context.Context) ([]connstore.Connection, error)
	IsConnected(id string) bool
	Connect(ctx context.Context, id string) error
}

// Cache is the trace-window surface the tree needs.
type Cache interface {
	ListTraces(ctx context.Context, connID string) (tracecache.WindowView, error)
	NextOlderRange(connID string) (from, to time.Time, ok bool)
	LoadOlder(ctx context.Context, connID string, from, to time.Time) (tracecache.WindowView, error)
	ListObservations(ctx context.Context, connID, traceID string) ([]langfuse.Observation, error)
	ChildObservations(ctx context.Context, connID, traceID, parentID string) ([]langfuse.Observation, error)
}

type Builder struct {
	registry Registry
	cache    Cache
	logger   *slog.Logger
	nowFn    func() time.Time
}

type Option func(*Builder)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithNowFunc(nowFn func() time.Time) Option {
	return func(b *Builder) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

func NewBuilder(registry Registry, cache Cache, opts ...Option) *Builder {
	b := &Builder{
		registry: registry,
		cache:    cache,
		logger:   slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Roots lists every saved connection as a top-level node.
func (b *Builder) Roots(ctx context.Context) ([]Node, error) {
	connections, err := b.registry.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	nodes := make([]Node, 0, len(connections))
	for _, conn := range connections {
		connected := b.registry.IsConnected(conn.ID)
		description := conn.URL
		if connected {
			description += " (connected)"
		}
		nodes = append(nodes, Node{
			Kind:         KindConnection,
			Label:        conn.Name,
			Description:  description,
			ConnectionID: conn.ID,
			Connected:    connected,
			HasChildren:  true,
		})
	}
	return nodes, nil
}

// Children expands a node one level. Expanding a disconnected
// connection connects it first; failures become message nodes instead
// of errors so siblings keep rendering.
func (b *Builder) Children(ctx context.Context, node Node) []Node {
	switch node.Kind {
	case KindConnection:
		return b.connectionChildren(ctx, node)
	case KindTrace:
		return b.traceChildren(ctx, node)
	case KindObservation:
		return b.observationChildren(ctx, node)
	default:
		return nil
	}
}

func (b *Builder) connectionChildren(ctx context.Context, node Node) []Node {
	connID := node.ConnectionID

	if !b.registry.IsConnected(connID) {
		if err := b.registry.Connect(ctx, connID); err != nil {
			b.logger.Warn("connect on expand failed", "connection_id", connID, "error", err)
			return []Node{messageNode(connID, "Connection failed: "+err.Error())}
		}
	}

	view, err := b.cache.ListTraces(ctx, connID)
	if err != nil {
		b.logger.Warn("trace window fetch failed", "connection_id", connID, "error", err)
		return []Node{messageNode(connID, "Failed to load traces: "+err.Error())}
	}

	nodes := make([]Node, 0, len(view.Traces)+1)
	if len(view.Traces) == 0 {
		window := view.Newest.Sub(view.Oldest)
		nodes = append(nodes, messageNode(connID, fmt.Sprintf("No traces in the last %s", FormatDuration(window))))
	}
	now := b.nowFn()
	for i := range view.Traces {
		trace := view.Traces[i]
		nodes = append(nodes, Node{
			Kind:         KindTrace,
			Label:        traceLabel(trace),
			Description:  traceDescription(trace, now),
			ConnectionID: connID,
			Trace:        &trace,
			HasChildren:  true,
		})
	}
	if _, _, ok := b.cache.NextOlderRange(connID); ok {
		nodes = append(nodes, Node{
			Kind:         KindLoadOlder,
			Label:        "Load older traces...",
			Description:  fmt.Sprintf("up to %s back", FormatDuration(now.Sub(view.Oldest))),
			ConnectionID: connID,
		})
	}
	return nodes
}

func (b *Builder) traceChildren(ctx context.Context, node Node) []Node {
	if node.Trace == nil {
		return nil
	}
	connID := node.ConnectionID
	traceID := node.Trace.ID

	roots, err := b.cache.ListObservations(ctx, connID, traceID)
	if err != nil {
		b.logger.Warn("observation fetch failed", "connection_id", connID, "trace_id", traceID, "error", err)
		return []Node{messageNode(connID, "Failed to load observations: "+err.Error())}
	}
	if len(roots) == 0 {
		return []Node{messageNode(connID, "No observations")}
	}
	return b.observationNodes(connID, traceID, roots)
}

func (b *Builder) observationChildren(ctx context.Context, node Node) []Node {
	if node.Observation == nil {
		return nil
	}
	connID := node.ConnectionID
	traceID := node.Observation.TraceID

	children, err := b.cache.ChildObservations(ctx, connID, traceID, node.Observation.ID)
	if err != nil {
		b.logger.Warn("child observation fetch failed", "connection_id", connID, "trace_id", traceID, "error", err)
		return []Node{messageNode(connID, "Failed to load observations: "+err.Error())}
	}
	return b.observationNodes(connID, traceID, children)
}

func (b *Builder) observationNodes(connID, traceID string, observations []langfuse.Observation) []Node {
	nodes := make([]Node, 0, len(observations))
	for i := range observations {
		obs := observations[i]
		nodes = append(nodes, Node{
			Kind:         KindObservation,
			Label:        observationLabel(obs),
			Description:  observationDescription(obs),
			ConnectionID: connID,
			Observation:  &obs,
			HasChildren:  true,
		})
	}
	return nodes
}

// LoadOlder expands the connection's window one step back and returns
// the refreshed trace nodes.
func (b *Builder) LoadOlder(ctx context.Context, connID string) ([]Node, error) {
	from, to, ok := b.cache.NextOlderRange(connID)
	if !ok {
		return nil, fmt.Errorf("connection %q has no older history to load", connID)
	}
	if _, err := b.cache.LoadOlder(ctx, connID, from, to); err != nil {
		return nil, err
	}
	return b.connectionChildren(ctx, Node{Kind: KindConnection, ConnectionID: connID, Connected: true}), nil
}

func messageNode(connID, text string) Node {
	text = observability.ScrubCredentials(text)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-3] + "..."
	}
	return Node{
		Kind:         KindMessage,
		Label:        text,
		ConnectionID: connID,
	}
}
