// Package store provides storage backends for SchemaPipe.
//
// Transcript stores (in-memory, SQLite, Postgres) record processed turns and
// messaging events. Session stores (in-memory, Redis) hold the live
// ConversationState of each session until it expires.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

// ErrSessionNotFound is returned when a session has no stored state.
var ErrSessionNotFound = errors.New("session not found")

// Store records the transcript of processed turns and messaging events.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)
	AddTurn(t models.TurnRecord) error
	GetTurns(sessionID string) ([]models.TurnRecord, error)
	Close() error
}

// SessionStore holds the live conversation state of each session.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.ConversationState, error)
	SaveSession(ctx context.Context, id string, state *models.ConversationState) error
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL-backed stores.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a connection string as "postgres", "redis" or "sqlite".
// Anything that is not recognisably Postgres or Redis is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(strings.ToLower(dsn))
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(d, "redis://"), strings.HasPrefix(d, "rediss://"):
		return "redis"
	case strings.Contains(d, "host=") && (strings.Contains(d, "dbname=") || strings.Contains(d, "user=")):
		return "postgres"
	default:
		return "sqlite"
	}
}

// InMemoryStore is a transcript store kept in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	receipts  []models.Receipt
	responses []models.Response
	turns     map[string][]models.TurnRecord
}

// NewInMemoryStore creates an empty in-memory transcript store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]models.TurnRecord)}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func (s *InMemoryStore) AddTurn(t models.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	return nil
}

func (s *InMemoryStore) GetTurns(sessionID string) ([]models.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TurnRecord(nil), s.turns[sessionID]...), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
