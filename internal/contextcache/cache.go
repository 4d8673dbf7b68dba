// Package contextcache builds and caches read-mostly snapshots of an account
// and its collaborators for prompt assembly.
//
// Entries:
//
//   - Account entry, keyed by account id: name, plan and collaborator profiles.
//   - History entry, keyed by (account id, collaborator id, limit): the most
//     recent completed commands targeting that collaborator.
//
// Both kinds expire after the configured TTL and are rebuilt lazily on the
// next lookup. Concurrent misses for one key share a single rebuild. A
// snapshot is never authoritative; dropping any entry is always safe.
//
// Invalidation:
//   - Invalidate(account) when the collaborator set or a profile changes
//   - InvalidateHistory(account, collaborator) after a command completes
//   - Purge() (scheduled) drops expired entries to bound memory
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/metrics"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultHistoryLimit = 10
	DefaultLoadTimeout  = 10 * time.Second
)

// ErrUnknownTarget is returned when a requested collaborator does not belong
// to the account.
var ErrUnknownTarget = errors.New("unknown target collaborator")

// DataSource supplies the authoritative data. db.Store satisfies it.
type DataSource interface {
	GetAccount(ctx context.Context, id string) (*db.AccountRecord, error)
	ListCollaborators(ctx context.Context, accountID string) ([]*db.CollaboratorRecord, error)
	RecentCommandsForTarget(ctx context.Context, targetID string, limit int) ([]*db.CommandRecord, error)
}

// HistoryEntry is one completed command in a collaborator's history.
type HistoryEntry struct {
	CommandID string    `json:"commandId"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Result    string    `json:"result,omitempty"`
	At        time.Time `json:"at"`
}

// Collaborator is a sub-tenant profile of an account.
type Collaborator struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Industry        string                 `json:"industry,omitempty"`
	BrandGuidelines map[string]interface{} `json:"brandGuidelines,omitempty"`
	History         []HistoryEntry         `json:"history,omitempty"`
}

// Account is the cached account-level view.
type Account struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Plan          string         `json:"plan"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Snapshot is the context assembled for one command.
type Snapshot struct {
	Account Account `json:"account"`
	// Active is the first requested target, nil when none was requested.
	Active *Collaborator `json:"active,omitempty"`
	// Selected holds every requested target in request order, with history.
	Selected []Collaborator `json:"selected,omitempty"`
}

type accountEntry struct {
	account Account
	expires time.Time
}

type historyKey struct {
	accountID string
	targetID  string
	limit     int
}

type historyEntry struct {
	entries []HistoryEntry
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	source       DataSource
	ttl          time.Duration
	historyLimit int
	loadTimeout  time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu       sync.RWMutex
	accounts map[string]accountEntry
	history  map[historyKey]historyEntry
	// gen is bumped by invalidation so rebuilds already in flight do not
	// store data loaded before it.
	gen map[string]uint64

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithHistoryLimit sets how many recent commands are loaded per collaborator.
func WithHistoryLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithLoadTimeout bounds a single rebuild from the data source.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a Cache over source.
func New(source DataSource, opts ...Option) *Cache {
	c := &Cache{
		source:       source,
		ttl:          DefaultTTL,
		historyLimit: DefaultHistoryLimit,
		loadTimeout:  DefaultLoadTimeout,
		now:          time.Now,
		logger:       zap.NewNop(),
		accounts:     make(map[string]accountEntry),
		history:      make(map[historyKey]historyEntry),
		gen:          make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the context for accountID and the requested targets.
// Unknown target ids fail with ErrUnknownTarget.
func (c *Cache) Snapshot(ctx context.Context, accountID string, targetIDs []string) (*Snapshot, error) {
	acct, err := c.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Collaborator, len(acct.Collaborators))
	for _, collab := range acct.Collaborators {
		byID[collab.ID] = collab
	}

	snap := &Snapshot{Account: acct}
	for _, id := range targetIDs {
		collab, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		history, err := c.History(ctx, accountID, id, c.historyLimit)
		if err != nil {
			return nil, err
		}
		collab.History = history
		snap.Selected = append(snap.Selected, collab)
	}
	if len(snap.Selected) > 0 {
		active := snap.Selected[0]
		snap.Active = &active
	}
	return snap, nil
}

func (c *Cache) account(ctx context.Context, accountID string) (Account, error) {
	if acct, ok := c.cachedAccount(accountID); ok {
		metrics.ContextCacheLookups.WithLabelValues("account", "hit").Inc()
		return acct, nil
	}
	metrics.ContextCacheLookups.WithLabelValues("account", "miss").Inc()

	v, err := c.do(ctx, "account:"+accountID, func(ctx context.Context) (interface{}, error) {
		// Recheck inside singleflight; a previous flight may have filled it.
		if acct, ok := c.cachedAccount(accountID); ok {
			return acct, nil
		}
		gen := c.generation(accountID)
		acct, err := c.loadAccount(ctx, accountID)
		if err != nil {
			return Account{}, err
		}
		c.mu.Lock()
		if c.gen[accountID] == gen {
			c.accounts[accountID] = accountEntry{account: acct, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return acct, nil
	})
	if err != nil {
		return Account{}, err
	}
	return v.(Account), nil
}

// do runs load once per key for all concurrent callers. The load is detached
// from any single caller's cancellation; each caller stops waiting when its
// own ctx ends.
func (c *Cache) do(ctx context.Context, key string, load func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) cachedAccount(accountID string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.accounts[accountID]
	if !ok || !c.now().Before(e.expires) {
		return Account{}, false
	}
	return e.account, true
}

func (c *Cache) generation(accountID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen[accountID]
}

func (c *Cache) loadAccount(ctx context.Context, accountID string) (Account, error) {
	rec, err := c.source.GetAccount(ctx, accountID)
	if err != nil {
		return Account{}, fmt.Errorf("load account %s: %w", accountID, err)
	}
	collabs, err := c.source.ListCollaborators(ctx, accountID)
	if err != nil {
		return Account{}, fmt.Errorf("load collaborators for %s: %w", accountID, err)
	}

	acct := Account{
		ID:            rec.ID,
		Name:          rec.Name,
		Plan:          rec.Plan,
		Collaborators: make([]Collaborator, 0, len(collabs)),
	}
	for _, cr := range collabs {
		collab := Collaborator{ID: cr.ID, Name: cr.Name, Industry: cr.Industry}
		if cr.BrandGuidelines != "" {
			var guidelines map[string]interface{}
			if err := json.Unmarshal([]byte(cr.BrandGuidelines), &guidelines); err != nil {
				c.logger.Warn("ignoring malformed brand guidelines",
					zap.String("collaborator_id", cr.ID), zap.Error(err))
			} else if len(guidelines) > 0 {
				collab.BrandGuidelines = guidelines
			}
		}
		acct.Collaborators = append(acct.Collaborators, collab)
	}
	return acct, nil
}

// History returns up to limit recent completed commands targeting targetID.
func (c *Cache) History(ctx context.Context, accountID, targetID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = c.historyLimit
	}
	key := historyKey{accountID: accountID, targetID: targetID, limit: limit}
	if entries, ok := c.cachedHistory(key); ok {
		metrics.ContextCacheLookups.WithLabelValues("history", "hit").Inc()
		return entries, nil
	}
	metrics.ContextCacheLookups.WithLabelValues("history", "miss").Inc()

	sfKey := fmt.Sprintf("history:%s:%s:%d", accountID, targetID, limit)
	v, err := c.do(ctx, sfKey, func(ctx context.Context) (interface{}, error) {
		if entries, ok := c.cachedHistory(key); ok {
			return entries, nil
		}
		gen := c.generation(accountID)
		recs, err := c.source.RecentCommandsForTarget(ctx, targetID, limit)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", targetID, err)
		}
		entries := make([]HistoryEntry, 0, len(recs))
		for _, r := range recs {
			e := HistoryEntry{CommandID: r.ID, Text: r.RawText, Category: r.Category, At: r.SubmittedAt}
			if r.ResultText != nil {
				e.Result = *r.ResultText
			}
			entries = append(entries, e)
		}
		c.mu.Lock()
		if c.gen[accountID] == gen {
			c.history[key] = historyEntry{entries: entries, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]HistoryEntry), nil
}

func (c *Cache) cachedHistory(key historyKey) ([]HistoryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.history[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.entries, true
}

// Invalidate drops the account entry and every history entry of its
// collaborators.
func (c *Cache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[accountID]++
	delete(c.accounts, accountID)
	for k := range c.history {
		if k.accountID == accountID {
			delete(c.history, k)
		}
	}
}

// InvalidateHistory drops the cached history of one collaborator.
func (c *Cache) InvalidateHistory(accountID, targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[accountID]++
	for k := range c.history {
		if k.accountID == accountID && k.targetID == targetID {
			delete(c.history, k)
		}
	}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.accounts {
		if !now.Before(e.expires) {
			delete(c.accounts, k)
			removed++
		}
	}
	for k, e := range c.history {
		if !now.Before(e.expires) {
			delete(c.history, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries of both kinds.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts) + len(c.history)
}
