// Package registry tracks saved Langfuse connections and their live
// sessions. A connection is "connected" exactly when a verified client
// is registered for it; observers are notified on every connectivity
// change so dependent views can refresh.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fuseview/fuseview/internal/connstore"
	"github.com/fuseview/fuseview/internal/langfuse"
	"github.com/fuseview/fuseview/internal/pathutil"
)

// ErrMissingSecret marks a connection that has no secret key saved.
// Connect reports it without touching the network so callers can prompt
// for credentials instead of surfacing a spurious backend failure.
var ErrMissingSecret = errors.New("no secret key stored for connection")

// ErrHealthCheckFailed marks a connection whose backend did not answer
// the health probe with a recognizable response.
var ErrHealthCheckFailed = errors.New("backend health check failed")

// ClientFactory builds an API client for a connection. Tests swap it to
// point sessions at fixture servers.
type ClientFactory func(conn connstore.Connection, secret string) *langfuse.Client

type Registry struct {
	store      connstore.Store
	newClient  ClientFactory
	clientOpts []langfuse.Option
	logger     *slog.Logger

	mu          sync.Mutex
	sessions    map[string]*langfuse.Client
	subscribers map[int]func()
	nextSubID   int
}

type Option func(*Registry)

// WithClientFactory overrides how API clients are constructed.
func WithClientFactory(factory ClientFactory) Option {
	return func(r *Registry) {
		if factory != nil {
			r.newClient = factory
		}
	}
}

// WithClientOptions forwards options to every client the default
// factory constructs, such as shared transports and retry policies.
func WithClientOptions(opts ...langfuse.Option) Option {
	return func(r *Registry) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

func New(store connstore.Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:       store,
		logger:      logger,
		sessions:    make(map[string]*langfuse.Client),
		subscribers: make(map[int]func()),
	}
	r.newClient = func(conn connstore.Connection, secret string) *langfuse.Client {
		return langfuse.New(conn.URL, conn.PublicKey, secret, r.clientOpts...)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a state-change observer and returns its
// unsubscribe function. Observers run after every connect, disconnect,
// and saved-connection mutation.
func (r *Registry) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Connect establishes a verified session for a saved connection. It is
// idempotent: connecting an already-connected id succeeds without a new
// health probe. A missing secret fails locally before any network call.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	_, connected := r.sessions[id]
	r.mu.Unlock()
	if connected {
		return nil
	}

	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("load connection %q: %w", id, err)
	}

	secret, err := r.store.SecretKey(ctx, id)
	if err != nil {
		if errors.Is(err, connstore.ErrNotFound) {
			return fmt.Errorf("connection %q: %w", conn.Name, ErrMissingSecret)
		}
		return fmt.Errorf("load secret for connection %q: %w", conn.Name, err)
	}

	client := r.newClient(*conn, secret)
	if !client.HealthCheck(ctx) {
		return fmt.Errorf("connection %q at %s: %w", conn.Name, conn.URL, ErrHealthCheckFailed)
	}

	r.mu.Lock()
	r.sessions[id] = client
	r.mu.Unlock()

	r.logger.Info("connection established", "connection_id", id, "name", conn.Name, "url", conn.URL)
	r.notify()
	return nil
}

// Disconnect drops the session for a connection. Dropping an id that is
// not connected is a no-op apart from the observer notification.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	_, connected := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if connected {
		r.logger.Info("connection closed", "connection_id", id)
	}
	r.notify()
}

// IsConnected reports whether a verified session exists for id.
func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Client returns the live session for id when connected.
func (r *Registry) Client(id string) (*langfuse.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.sessions[id]
	return client, ok
}

// ConnectedIDs returns the ids of all live sessions.
func (r *Registry) ConnectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Connections lists all saved connections regardless of session state.
func (r *Registry) Connections(ctx context.Context) ([]connstore.Connection, error) {
	return r.store.Connections(ctx)
}

// AddConnection saves a new connection plus its secret. The id is
// generated when empty.
func (r *Registry) AddConnection(ctx context.Context, conn connstore.Connection, secret string) (*connstore.Connection, error) {
	conn.URL = pathutil.NormalizeBaseURL(conn.URL)
	if err := pathutil.ValidateBaseURL(conn.URL); err != nil {
		return nil, err
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}

	added, err := r.store.AddConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetSecretKey(ctx, added.ID, secret); err != nil {
		// Keep the store consistent; a connection without a secret would
		// fail every future Connect with ErrMissingSecret.
		_ = r.store.RemoveConnection(ctx, added.ID)
		return nil, fmt.Errorf("save secret for connection %q: %w", added.Name, err)
	}
	r.notify()
	return added, nil
}

// UpdateConnection rewrites a saved connection and optionally its
// secret. A live session for the id is dropped and re-established so it
// picks up the new endpoint and credentials.
func (r *Registry) UpdateConnection(ctx context.Context, conn connstore.Connection, secret string) (*connstore.Connection, error) {
	conn.URL = pathutil.NormalizeBaseURL(conn.URL)
	if err := pathutil.ValidateBaseURL(conn.URL); err != nil {
		return nil, err
	}

	updated, err := r.store.UpdateConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		if err := r.store.SetSecretKey(ctx, updated.ID, secret); err != nil {
			return nil, fmt.Errorf("save secret for connection %q: %w", updated.Name, err)
		}
	}

	if r.IsConnected(updated.ID) {
		r.Disconnect(updated.ID)
		if err := r.Connect(ctx, updated.ID); err != nil {
			return updated, fmt.Errorf("reconnect after update: %w", err)
		}
		return updated, nil
	}
	// Not connected: the config change itself is still a state mutation
	// observers must hear about.
	r.notify()
	return updated, nil
}

// RemoveConnection drops any live session and deletes the saved
// connection together with its secret.
func (r *Registry) RemoveConnection(ctx context.Context, id string) error {
	r.Disconnect(id)
	if err := r.store.RemoveConnection(ctx, id); err != nil {
		return err
	}
	return nil
}

// Cleanup drops all live sessions. The store stays open; closing it is
// the owner's responsibility.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	count := len(r.sessions)
	r.sessions = make(map[string]*langfuse.Client)
	r.mu.Unlock()

	if count > 0 {
		r.logger.Info("all connections closed", "count", count)
	}
	r.notify()
}
