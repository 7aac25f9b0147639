package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Pool is the slice of *sql.DB the executor needs. Tests substitute fakes
// through the cache's opener.
type Pool interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

type poolEntry struct {
	pool     Pool
	lastUsed time.Time
}

// PoolCache amortizes expensive database connections across calls. Entries
// are keyed by the sanitized connection string, refreshed on every
// acquisition, and evicted by a periodic sweep once idle beyond the
// configured threshold. The sweep starts with the first entry and stops on
// CloseAll.
type PoolCache struct {
	mu      sync.Mutex
	pools   map[string]*poolEntry
	opener  func(connString string) (Pool, error)
	idle    time.Duration
	sweep   time.Duration
	stop    chan struct{}
	started bool
	l       *slog.Logger
}

func NewPoolCache(cfg Config, l *slog.Logger) *PoolCache {
	c := &PoolCache{
		pools: make(map[string]*poolEntry),
		idle:  cfg.IdleTimeout,
		sweep: cfg.SweepInterval,
		l:     l,
	}
	c.opener = func(connString string) (Pool, error) {
		db, err := sql.Open("postgres", connString)
		if err != nil {
			return nil, fmt.Errorf("failed to open connection: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return db, nil
	}
	return c
}

// GetOrCreate returns the live pool for a connection string, creating it on
// first use. Concurrent calls for the same key converge on one pool: the
// open happens outside the lock, and a loser of the create race closes its
// own pool and adopts the winner's.
func (c *PoolCache) GetOrCreate(connString string) (Pool, error) {
	key := SanitizeConnString(connString)

	c.mu.Lock()
	if entry, ok := c.pools[key]; ok {
		entry.lastUsed = time.Now()
		pool := entry.pool
		c.mu.Unlock()
		return pool, nil
	}
	c.mu.Unlock()

	pool, err := c.opener(connString)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry, ok := c.pools[key]; ok {
		entry.lastUsed = time.Now()
		winner := entry.pool
		c.mu.Unlock()
		pool.Close()
		return winner, nil
	}
	c.pools[key] = &poolEntry{pool: pool, lastUsed: time.Now()}
	c.startSweepLocked()
	c.mu.Unlock()

	if c.l != nil {
		c.l.Info("created connection pool", "key", maskConnString(key))
	}
	return pool, nil
}

// Evict closes and removes the pool for a connection string so a broken
// pool is never handed out again.
func (c *PoolCache) Evict(connString string) {
	key := SanitizeConnString(connString)

	c.mu.Lock()
	entry, ok := c.pools[key]
	if ok {
		delete(c.pools, key)
	}
	c.mu.Unlock()

	if ok {
		entry.pool.Close()
		if c.l != nil {
			c.l.Info("evicted connection pool", "key", maskConnString(key))
		}
	}
}

// CloseAll stops the sweep and closes every cached pool. Safe to call during
// shutdown even if no pool was ever created.
func (c *PoolCache) CloseAll() {
	c.mu.Lock()
	if c.started {
		close(c.stop)
		c.started = false
	}
	pools := make([]Pool, 0, len(c.pools))
	for key, entry := range c.pools {
		pools = append(pools, entry.pool)
		delete(c.pools, key)
	}
	c.mu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
}

// Start begins the idle sweep up front. GetOrCreate also starts it lazily
// with the first entry, so calling Start is optional.
func (c *PoolCache) Start() {
	c.mu.Lock()
	c.startSweepLocked()
	c.mu.Unlock()
}

// Stop halts the sweep without closing cached pools.
func (c *PoolCache) Stop() {
	c.mu.Lock()
	if c.started {
		close(c.stop)
		c.started = false
	}
	c.mu.Unlock()
}

// startSweepLocked starts the single process-wide eviction sweep. Caller
// holds the mutex.
func (c *PoolCache) startSweepLocked() {
	if c.started {
		return
	}
	c.started = true
	c.stop = make(chan struct{})

	stop := c.stop
	go func() {
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepOnce(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

// sweepOnce closes and removes entries idle beyond the threshold. lastUsed
// is refreshed on every acquisition, which is a conservative enough liveness
// signal that the sweep never closes a pool that was just handed out.
func (c *PoolCache) sweepOnce(now time.Time) {
	var expired []Pool

	c.mu.Lock()
	for key, entry := range c.pools {
		if now.Sub(entry.lastUsed) > c.idle {
			expired = append(expired, entry.pool)
			delete(c.pools, key)
			if c.l != nil {
				c.l.Info("closing idle connection pool", "key", maskConnString(key))
			}
		}
	}
	c.mu.Unlock()

	for _, pool := range expired {
		pool.Close()
	}
}

// size reports the number of cached pools. Used by tests.
func (c *PoolCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}

var invalidDBNameChars = regexp.MustCompile(`[^a-zA-Z0-9_$-]`)

// SanitizeConnString canonicalizes a connection string for use as a cache
// key: trailing slashes are trimmed and invalid characters are stripped from
// the database-name segment, so a malformed trailing path never creates a
// second pool for the same database.
func SanitizeConnString(connString string) string {
	connString = strings.TrimRight(connString, "/")

	u, err := url.Parse(connString)
	if err != nil || u.Path == "" {
		return connString
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	u.Path = "/" + invalidDBNameChars.ReplaceAllString(dbName, "")
	return u.String()
}

// maskConnString hides the password portion of a connection string for logs.
func maskConnString(connString string) string {
	u, err := url.Parse(connString)
	if err != nil || u.User == nil {
		return connString
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	out, _ := url.PathUnescape(u.String())
	return out
}
