// Package cache stores verification verdicts in SQLite so repeated runs of
// an unchanged container skip re-verification. Entries are keyed by the
// container's SHA-256 digest plus the policy it was checked under.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMiss indicates no verdict is cached for the key.
var ErrMiss = errors.New("cache miss")

// Verdict is one cached verification result.
type Verdict struct {
	Accepted bool
	Reason   string // trap text when rejected
	When     time.Time
}

// Cache is a SQLite-backed verification verdict store. Safe for concurrent
// use by multiple goroutines.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a verdict store at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS verdicts (
		module   TEXT NOT NULL,
		policy   TEXT NOT NULL,
		accepted INTEGER NOT NULL,
		reason   TEXT NOT NULL,
		at       INTEGER NOT NULL,
		PRIMARY KEY (module, policy)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Key returns the cache key for a serialized container.
func Key(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached verdict for (module, policy), or ErrMiss.
func (c *Cache) Lookup(module, policy string) (*Verdict, error) {
	var accepted int
	var reason string
	var at int64
	err := c.db.QueryRow(
		"SELECT accepted, reason, at FROM verdicts WHERE module = ? AND policy = ?",
		module, policy,
	).Scan(&accepted, &reason, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("querying verdict: %w", err)
	}
	return &Verdict{
		Accepted: accepted != 0,
		Reason:   reason,
		When:     time.Unix(at, 0),
	}, nil
}

// Store records a verdict, replacing any previous entry for the key.
func (c *Cache) Store(module, policy string, v Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := 0
	if v.Accepted {
		accepted = 1
	}
	when := v.When
	if when.IsZero() {
		when = time.Now()
	}
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO verdicts (module, policy, accepted, reason, at) VALUES (?, ?, ?, ?, ?)",
		module, policy, accepted, v.Reason, when.Unix(),
	)
	if err != nil {
		return fmt.Errorf("storing verdict: %w", err)
	}
	return nil
}

// Purge removes all verdicts for a module, across policies.
func (c *Cache) Purge(module string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM verdicts WHERE module = ?", module); err != nil {
		return fmt.Errorf("purging verdicts: %w", err)
	}
	return nil
}

// Count returns the number of cached verdicts.
func (c *Cache) Count() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM verdicts").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting verdicts: %w", err)
	}
	return n, nil
}
