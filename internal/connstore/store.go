package connstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("connection store record not found")
var ErrConflict = errors.New("connection store record conflicts with existing data")

// Connection is a saved Langfuse backend configuration. The secret key is
// held separately so listing connections never loads credentials.
type Connection struct {
	ID        string
	Name      string
	URL       string
	PublicKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists connection configurations and their secret keys.
type Store interface {
	Connections(ctx context.Context) ([]Connection, error)
	GetConnection(ctx context.Context, id string) (*Connection, error)
	AddConnection(ctx context.Context, conn Connection) (*Connection, error)
	UpdateConnection(ctx context.Context, conn Connection) (*Connection, error)
	RemoveConnection(ctx context.Context, id string) error

	// SecretKey returns the stored secret for a connection, or ErrNotFound
	// when the connection has no secret saved.
	SecretKey(ctx context.Context, id string) (string, error)
	SetSecretKey(ctx context.Context, id, secret string) error
	DeleteSecretKey(ctx context.Context, id string) error

	Close() error
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)

// MemoryStore keeps connections in process memory. Used by tests and by
// ephemeral sessions that should not leave state on disk.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]Connection
	secrets     map[string]string
	nowFn       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[string]Connection),
		secrets:     make(map[string]string),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Connections(_ context.Context) ([]Connection, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetConnection(_ context.Context, id string) (*Connection, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := conn
	return &out, nil
}

func (s *MemoryStore) AddConnection(_ context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[normalized.ID]; exists {
		return nil, ErrConflict
	}
	for _, existing := range s.connections {
		if strings.EqualFold(existing.Name, normalized.Name) {
			return nil, ErrConflict
		}
	}

	now := s.nowFn()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now
	s.connections[normalized.ID] = normalized

	out := normalized
	return &out, nil
}

func (s *MemoryStore) UpdateConnection(_ context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.connections[normalized.ID]
	if !ok {
		return nil, ErrNotFound
	}
	for id, other := range s.connections {
		if id != normalized.ID && strings.EqualFold(other.Name, normalized.Name) {
			return nil, ErrConflict
		}
	}

	normalized.CreatedAt = existing.CreatedAt
	normalized.UpdatedAt = s.nowFn()
	s.connections[normalized.ID] = normalized

	out := normalized
	return &out, nil
}

func (s *MemoryStore) RemoveConnection(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[id]; !ok {
		return ErrNotFound
	}
	delete(s.connections, id)
	delete(s.secrets, id)
	return nil
}

func (s *MemoryStore) SecretKey(_ context.Context, id string) (string, error) {
	if s == nil {
		return "", ErrNotFound
	}
	id = strings.TrimSpace(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	if !ok || secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func (s *MemoryStore) SetSecretKey(_ context.Context, id, secret string) error {
	id = strings.TrimSpace(id)
	secret = strings.TrimSpace(secret)
	if id == "" || secret == "" {
		return errors.New("connection id and secret are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[id]; !ok {
		return ErrNotFound
	}
	s.secrets[id] = secret
	return nil
}

func (s *MemoryStore) DeleteSecretKey(_ context.Context, id string) error {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func normalizeConnection(conn Connection) (Connection, error) {
	conn.ID = strings.TrimSpace(conn.ID)
	conn.Name = strings.TrimSpace(conn.Name)
	conn.URL = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(conn.URL), "/"))
	conn.PublicKey = strings.TrimSpace(conn.PublicKey)

	if conn.ID == "" {
		return Connection{}, errors.New("connection id is required")
	}
	if conn.Name == "" {
		return Connection{}, errors.New("connection name is required")
	}
	if conn.URL == "" {
		return Connection{}, errors.New("connection url is required")
	}
	if conn.PublicKey == "" {
		return Connection{}, errors.New("connection public key is required")
	}
	return conn, nil
}
