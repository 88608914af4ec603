package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fuseview/fuseview/internal/connstore"
)

func newHealthyBackend(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path == "/api/public/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"OK","version":"3.1.0"}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func seedConnection(t *testing.T, store connstore.Store, id, url string, withSecret bool) {
	t.Helper()

	_, err := store.AddConnection(context.Background(), connstore.Connection{
		ID:        id,
		Name:      "conn-" + id,
		URL:       url,
		PublicKey: "pk-lf-" + id,
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	if withSecret {
		if err := store.SetSecretKey(context.Background(), id, "sk-lf-"+id); err != nil {
			t.Fatalf("seed secret: %v", err)
		}
	}
}

func newTestRegistry(store connstore.Store) *Registry {
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConnectEstablishesVerifiedSession(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	backend := newHealthyBackend(t, &hits)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	reg := newTestRegistry(store)

	if reg.IsConnected("c1") {
		t.Fatal("fresh registry must not report connections")
	}
	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !reg.IsConnected("c1") {
		t.Fatal("Connect succeeded but IsConnected is false")
	}
	if _, ok := reg.Client("c1"); !ok {
		t.Fatal("Client must return the live session")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one health probe, got %d", hits.Load())
	}

	// Reconnecting an already-connected id must not probe again.
	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("idempotent Connect: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("idempotent Connect hit the network, hits=%d", hits.Load())
	}
}

func TestConnectMissingSecretFailsWithoutNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	backend := newHealthyBackend(t, &hits)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, false)
	reg := newTestRegistry(store)

	err := reg.Connect(context.Background(), "c1")
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("Connect: %v, want ErrMissingSecret", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("missing secret must fail before any network call, hits=%d", hits.Load())
	}
	if reg.IsConnected("c1") {
		t.Fatal("failed Connect must not register a session")
	}
}

func TestConnectUnknownIDFails(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(connstore.NewMemoryStore())
	err := reg.Connect(context.Background(), "ghost")
	if !errors.Is(err, connstore.ErrNotFound) {
		t.Fatalf("Connect: %v, want ErrNotFound", err)
	}
}

func TestConnectFailedHealthCheckLeavesDisconnected(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(backend.Close)

	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	reg := newTestRegistry(store)

	err := reg.Connect(context.Background(), "c1")
	if !errors.Is(err, ErrHealthCheckFailed) {
		t.Fatalf("Connect: %v, want ErrHealthCheckFailed", err)
	}
	if reg.IsConnected("c1") {
		t.Fatal("failed health check must not register a session")
	}
}

func TestSubscribersRunOnEveryConnectivityChange(t *testing.T) {
	t.Parallel()

	backend := newHealthyBackend(t, nil)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	reg := newTestRegistry(store)

	var notifications atomic.Int64
	unsubscribe := reg.Subscribe(func() { notifications.Add(1) })

	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := notifications.Load(); got != 1 {
		t.Fatalf("notifications after connect=%d, want 1", got)
	}

	reg.Disconnect("c1")
	if got := notifications.Load(); got != 2 {
		t.Fatalf("notifications after disconnect=%d, want 2", got)
	}

	// Disconnecting an already-disconnected id still notifies so views
	// converge even after redundant events.
	reg.Disconnect("c1")
	if got := notifications.Load(); got != 3 {
		t.Fatalf("notifications after redundant disconnect=%d, want 3", got)
	}

	unsubscribe()
	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect after unsubscribe: %v", err)
	}
	if got := notifications.Load(); got != 3 {
		t.Fatalf("unsubscribed observer still ran, notifications=%d", got)
	}
}

func TestAddConnectionGeneratesIDAndStoresSecret(t *testing.T) {
	t.Parallel()

	store := connstore.NewMemoryStore()
	reg := newTestRegistry(store)

	added, err := reg.AddConnection(context.Background(), connstore.Connection{
		Name:      "production",
		URL:       "https://cloud.langfuse.com/",
		PublicKey: "pk-lf-prod",
	}, "sk-lf-prod")
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if added.ID == "" {
		t.Fatal("AddConnection must generate an id")
	}
	if added.URL != "https://cloud.langfuse.com" {
		t.Fatalf("URL=%q, want normalized base", added.URL)
	}

	secret, err := store.SecretKey(context.Background(), added.ID)
	if err != nil {
		t.Fatalf("SecretKey: %v", err)
	}
	if secret != "sk-lf-prod" {
		t.Fatalf("secret=%q", secret)
	}
}

func TestAddConnectionRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(connstore.NewMemoryStore())
	_, err := reg.AddConnection(context.Background(), connstore.Connection{
		Name:      "bad",
		URL:       "not-a-url",
		PublicKey: "pk-lf-x",
	}, "sk-lf-x")
	if err == nil {
		t.Fatal("invalid base URL must be rejected")
	}
}

func TestUpdateConnectionNotifiesWithoutLiveSession(t *testing.T) {
	t.Parallel()

	backend := newHealthyBackend(t, nil)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	reg := newTestRegistry(store)

	var notifications atomic.Int64
	reg.Subscribe(func() { notifications.Add(1) })

	// A config change on a disconnected connection is still a state
	// mutation observers must hear about.
	if _, err := reg.UpdateConnection(context.Background(), connstore.Connection{
		ID:        "c1",
		Name:      "conn-c1-renamed",
		URL:       backend.URL,
		PublicKey: "pk-lf-c1",
	}, ""); err != nil {
		t.Fatalf("UpdateConnection: %v", err)
	}
	if got := notifications.Load(); got != 1 {
		t.Fatalf("notifications after disconnected update=%d, want 1", got)
	}
	if reg.IsConnected("c1") {
		t.Fatal("updating a disconnected connection must not connect it")
	}
}

func TestAddConnectionNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(connstore.NewMemoryStore())

	var notifications atomic.Int64
	reg.Subscribe(func() { notifications.Add(1) })

	if _, err := reg.AddConnection(context.Background(), connstore.Connection{
		Name:      "production",
		URL:       "https://cloud.langfuse.com",
		PublicKey: "pk-lf-prod",
	}, "sk-lf-prod"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if got := notifications.Load(); got != 1 {
		t.Fatalf("notifications after add=%d, want 1", got)
	}
}

func TestRemoveConnectionDropsSessionAndRecord(t *testing.T) {
	t.Parallel()

	backend := newHealthyBackend(t, nil)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	reg := newTestRegistry(store)

	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := reg.RemoveConnection(context.Background(), "c1"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
	if reg.IsConnected("c1") {
		t.Fatal("removed connection must not stay connected")
	}
	if _, err := store.GetConnection(context.Background(), "c1"); !errors.Is(err, connstore.ErrNotFound) {
		t.Fatalf("GetConnection after remove: %v, want ErrNotFound", err)
	}
}

func TestUpdateConnectionReconnectsLiveSession(t *testing.T) {
	t.Parallel()

	var oldHits, newHits atomic.Int64
	oldBackend := newHealthyBackend(t, &oldHits)
	newBackend := newHealthyBackend(t, &newHits)

	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", oldBackend.URL, true)
	reg := newTestRegistry(store)

	if err := reg.Connect(context.Background(), "c1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	updated, err := reg.UpdateConnection(context.Background(), connstore.Connection{
		ID:        "c1",
		Name:      "conn-c1",
		URL:       newBackend.URL,
		PublicKey: "pk-lf-c1",
	}, "")
	if err != nil {
		t.Fatalf("UpdateConnection: %v", err)
	}
	if updated.URL != newBackend.URL {
		t.Fatalf("URL=%q after update", updated.URL)
	}
	if !reg.IsConnected("c1") {
		t.Fatal("update of a live session must reconnect")
	}
	if newHits.Load() == 0 {
		t.Fatal("reconnect must probe the new endpoint")
	}

	client, ok := reg.Client("c1")
	if !ok {
		t.Fatal("Client after update")
	}
	if client.BaseURL() != newBackend.URL {
		t.Fatalf("session base URL=%q, want new endpoint", client.BaseURL())
	}
}

func TestCleanupDropsAllSessions(t *testing.T) {
	t.Parallel()

	backend := newHealthyBackend(t, nil)
	store := connstore.NewMemoryStore()
	seedConnection(t, store, "c1", backend.URL, true)
	seedConnection(t, store, "c2", backend.URL, true)
	reg := newTestRegistry(store)

	for _, id := range []string{"c1", "c2"} {
		if err := reg.Connect(context.Background(), id); err != nil {
			t.Fatalf("Connect %s: %v", id, err)
		}
	}
	reg.Cleanup()
	if reg.IsConnected("c1") || reg.IsConnected("c2") {
		t.Fatal("Cleanup must drop every session")
	}
	if got := len(reg.ConnectedIDs()); got != 0 {
		t.Fatalf("ConnectedIDs after Cleanup=%d, want 0", got)
	}
}
