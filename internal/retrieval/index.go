package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "embed"

	"github.com/BTreeMap/SchemaPipe/internal/store"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultTextSearchConfig is the Postgres text search configuration used for ranking.
const DefaultTextSearchConfig = "italian"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// Opts holds configuration options for the passage index.
type Opts struct {
	DSN              string
	TextSearchConfig string
	NoGlobalFallback bool
}

// Option defines a configuration option for the passage index.
type Option func(*Opts)

// WithDSN sets the index database: a SQLite file path or a Postgres DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTextSearchConfig sets the Postgres text search configuration.
func WithTextSearchConfig(cfg string) Option {
	return func(o *Opts) { o.TextSearchConfig = cfg }
}

// WithoutGlobalFallback disables searching all topics when a topic has no hit.
func WithoutGlobalFallback() Option {
	return func(o *Opts) { o.NoGlobalFallback = true }
}

// Index is a passage index stored in SQLite or Postgres.
type Index struct {
	db             *sql.DB
	dialect        string
	tsConfig       string
	globalFallback bool
}

// NewIndex opens the index database and applies its migrations.
func NewIndex(opts ...Option) (*Index, error) {
	cfg := Opts{TextSearchConfig: DefaultTextSearchConfig}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Retrieval NewIndex invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("retrieval DSN not set")
	}

	dialect := store.DetectDSNType(cfg.DSN)
	var (
		db         *sql.DB
		err        error
		migrations string
	)
	switch dialect {
	case "postgres":
		db, err = sql.Open("postgres", cfg.DSN)
		migrations = postgresMigrations
	case "sqlite":
		if path := sqliteFilePath(cfg.DSN); path != "" {
			if mkErr := os.MkdirAll(filepath.Dir(path), store.DefaultDirPermissions); mkErr != nil {
				return nil, fmt.Errorf("failed to create index directory: %w", mkErr)
			}
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		migrations = sqliteMigrations
	default:
		return nil, fmt.Errorf("unsupported retrieval DSN type %q", dialect)
	}
	if err != nil {
		slog.Error("Retrieval NewIndex open failed", "error", err, "dialect", dialect)
		return nil, fmt.Errorf("failed to open retrieval database: %w", err)
	}
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping retrieval database: %w", err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		slog.Error("Retrieval NewIndex migrations failed", "error", err)
		return nil, fmt.Errorf("failed to run retrieval migrations: %w", err)
	}
	slog.Debug("Retrieval index ready", "dialect", dialect)

	return &Index{
		db:             db,
		dialect:        dialect,
		tsConfig:       cfg.TextSearchConfig,
		globalFallback: !cfg.NoGlobalFallback,
	}, nil
}

// sqliteFilePath returns the on-disk path of a SQLite DSN, or "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func contentHash(topic, content string) string {
	sum := sha256.Sum256([]byte(topic + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// Add inserts documents, skipping ones already present. It returns the number inserted.
func (ix *Index) Add(ctx context.Context, docs []Document) (int, error) {
	query := `INSERT OR IGNORE INTO passages (topic, content, content_hash, source) VALUES (?, ?, ?, ?)`
	if ix.dialect == "postgres" {
		query = `INSERT INTO passages (topic, content, content_hash, source) VALUES ($1, $2, $3, $4) ON CONFLICT (topic, content_hash) DO NOTHING`
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin passage insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, d := range docs {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, query, d.Topic, content, contentHash(d.Topic, content), d.Source)
		if err != nil {
			return 0, fmt.Errorf("failed to insert passage for topic %s: %w", d.Topic, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit passages: %w", err)
	}
	slog.Debug("Index.Add: passages stored", "submitted", len(docs), "inserted", inserted)
	return inserted, nil
}

// Count returns the number of stored passages.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count passages: %w", err)
	}
	return n, nil
}

// Search returns up to topK passages for query. When topic yields nothing the
// whole index is searched unless global fallback is disabled.
func (ix *Index) Search(ctx context.Context, query, topic string, topK int) []Passage {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}

	results, err := ix.search(ctx, query, topic, topK)
	if err != nil {
		slog.Error("Index.Search: topic search failed", "error", err, "topic", topic)
		return nil
	}
	if len(results) == 0 && topic != "" && ix.globalFallback {
		slog.Debug("Index.Search: no topic hits, searching globally", "topic", topic)
		if results, err = ix.search(ctx, query, "", topK); err != nil {
			slog.Error("Index.Search: global search failed", "error", err)
			return nil
		}
	}
	slog.Debug("Index.Search: completed", "topic", topic, "hits", len(results))
	return results
}

func (ix *Index) search(ctx context.Context, query, topic string, topK int) ([]Passage, error) {
	if ix.dialect == "postgres" {
		return ix.searchPostgres(ctx, query, topic, topK)
	}
	return ix.searchSQLite(ctx, query, topic, topK)
}

func (ix *Index) searchSQLite(ctx context.Context, query, topic string, topK int) ([]Passage, error) {
	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	sqlQuery := `SELECT id, topic, content, COALESCE(source, '') FROM passages`
	var args []interface{}
	if topic != "" {
		sqlQuery += ` WHERE topic = ?`
		args = append(args, topic)
	}
	rows, err := ix.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	var hits []Passage
	for rows.Next() {
		var (
			id                   int64
			pTopic, content, src string
		)
		if err := rows.Scan(&id, &pTopic, &content, &src); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		score := overlapScore(queryTerms, content)
		if score <= 0 {
			continue
		}
		hits = append(hits, Passage{Content: content, Metadata: passageMetadata(id, pTopic, src), Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate passages: %w", err)
	}
	return rank(hits, topK), nil
}

func (ix *Index) searchPostgres(ctx context.Context, query, topic string, topK int) ([]Passage, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, topic, content, COALESCE(source, ''),
		       ts_rank(to_tsvector($1::regconfig, content), plainto_tsquery($1::regconfig, $2)) AS score
		FROM passages
		WHERE ($3 = '' OR topic = $3)
		  AND to_tsvector($1::regconfig, content) @@ plainto_tsquery($1::regconfig, $2)
		ORDER BY score DESC
		LIMIT $4`, ix.tsConfig, query, topic, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	var hits []Passage
	for rows.Next() {
		var (
			id                   int64
			pTopic, content, src string
			score                float64
		)
		if err := rows.Scan(&id, &pTopic, &content, &src, &score); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		hits = append(hits, Passage{Content: content, Metadata: passageMetadata(id, pTopic, src), Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate passages: %w", err)
	}
	return hits, nil
}

func passageMetadata(id int64, topic, source string) map[string]string {
	md := map[string]string{"id": strconv.FormatInt(id, 10), "topic": topic}
	if source != "" {
		md["source"] = source
	}
	return md
}

// Close closes the index database.
func (ix *Index) Close() error {
	slog.Debug("Closing retrieval index")
	return ix.db.Close()
}
