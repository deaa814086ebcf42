package sqliteindexer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Indexer зеркалит закоммиченные записи дерева в SQLite для быстрых
// выборок по ключам без обхода дерева. Индекс — вторичный и best-effort:
// источником истины всегда остаётся дерево.
type Indexer struct {
	db *sql.DB
	mu sync.RWMutex
}

type IndexedEntry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ValueHash string    `json:"value_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Stats struct {
	Entries   int64     `json:"entries"`
	TotalSize int64     `json:"total_size"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewIndexer(dbPath string) (*Indexer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	idx := &Indexer{
		db: db,
	}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (idx *Indexer) initSchema() error {
	schema := `
	-- Зеркало закоммиченных записей дерева
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		value_hash TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	-- Индексы для выборок
	CREATE INDEX IF NOT EXISTS idx_entries_updated_at ON entries(updated_at);
	CREATE INDEX IF NOT EXISTS idx_entries_size ON entries(size);
	`
	_, err := idx.db.Exec(schema)
	return err
}

func (idx *Indexer) IndexEntry(ctx context.Context, key []byte, size int, valueHash []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (key, size, value_hash, updated_at)
		VALUES (?, ?, ?, ?)
	`, string(key), size, hex.EncodeToString(valueHash), time.Now())
	if err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

func (idx *Indexer) DeleteEntry(ctx context.Context, key []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Search возвращает записи, чьи ключи соответствуют LIKE-паттерну,
// в порядке возрастания ключа.
func (idx *Indexer) Search(ctx context.Context, pattern string, limit int) ([]IndexedEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT key, size, value_hash, updated_at
		FROM entries
		WHERE key LIKE ?
		ORDER BY key ASC
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	defer rows.Close()

	var out []IndexedEntry
	for rows.Next() {
		var e IndexedEntry
		if err := rows.Scan(&e.Key, &e.Size, &e.ValueHash, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (idx *Indexer) Stats(ctx context.Context) (Stats, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var s Stats
	// MAX() теряет декларированный тип колонки, поэтому время приходит текстом.
	var updatedAt sql.NullString
	err := idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), MAX(updated_at) FROM entries
	`).Scan(&s.Entries, &s.TotalSize, &updatedAt)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	if updatedAt.Valid {
		for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, updatedAt.String); err == nil {
				s.UpdatedAt = ts
				break
			}
		}
	}
	return s, nil
}

func (idx *Indexer) Close() error {
	return idx.db.Close()
}
