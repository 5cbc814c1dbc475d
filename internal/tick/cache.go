package tick

import (
	"database/sql"
	"time"
)

// Cache is the key/expiry store the Processor uses to record that a
// (job type, business) pair has completed: a dependant job is eligible once
// its prerequisite has a row. The stored expiry is not compared against the
// current time, and no cached payloads are kept.
type Cache struct {
	db *sql.DB
}

func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// GetExpiresAt returns the unix expiry for key, or 0 if absent.
func (c *Cache) GetExpiresAt(key string) int64 {
	var expiresAt int64
	if err := c.db.QueryRow(`SELECT expires_at FROM cache WHERE key = ?`, key).Scan(&expiresAt); err != nil {
		return 0
	}
	return expiresAt
}

// MarkDone records that key just completed, due again after ttl.
func (c *Cache) MarkDone(key string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := c.db.Exec(`
		INSERT INTO cache (key, value, expires_at) VALUES (?, '', ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, expiresAt)
	return err
}
