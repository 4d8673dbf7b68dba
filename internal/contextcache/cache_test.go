package contextcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeai/vibe-core/internal/db"
)

type fakeSource struct {
	mu            sync.Mutex
	account       *db.AccountRecord
	collaborators []*db.CollaboratorRecord
	history       map[string][]*db.CommandRecord

	accountLoads atomic.Int32
	historyLoads atomic.Int32
	// gate, when set, blocks account loads until closed.
	gate chan struct{}
}

func (f *fakeSource) GetAccount(ctx context.Context, id string) (*db.AccountRecord, error) {
	f.accountLoads.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil || f.account.ID != id {
		return nil, db.ErrNotFound
	}
	acct := *f.account
	return &acct, nil
}

func (f *fakeSource) ListCollaborators(context.Context, string) ([]*db.CollaboratorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*db.CollaboratorRecord, len(f.collaborators))
	for i, c := range f.collaborators {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeSource) RecentCommandsForTarget(_ context.Context, targetID string, limit int) ([]*db.CommandRecord, error) {
	f.historyLoads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.history[targetID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeSource) rename(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.collaborators {
		if c.ID == id {
			c.Name = name
		}
	}
}

func newSource() *fakeSource {
	return &fakeSource{
		account: &db.AccountRecord{ID: "acct-1", Name: "Northwind Agency", Plan: "growth"},
		collaborators: []*db.CollaboratorRecord{
			{ID: "c1", AccountID: "acct-1", Name: "Bloom Bakery", Industry: "Food",
				BrandGuidelines: `{"voice":"friendly","colors":["pink","cream"]}`},
			{ID: "c2", AccountID: "acct-1", Name: "Peak Fitness", BrandGuidelines: "{}"},
			{ID: "c3", AccountID: "acct-1", Name: "Harbor Legal", Industry: "Legal"},
		},
		history: map[string][]*db.CommandRecord{
			"c1": {
				{ID: "h1", RawText: "write a spring newsletter", Category: "content"},
				{ID: "h2", RawText: "add a contact", Category: "simple"},
			},
		},
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(src DataSource) (*Cache, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(src, WithClock(clk.Now), WithTTL(5*time.Minute)), clk
}

func TestSnapshotAssemblesTargets(t *testing.T) {
	src := newSource()
	c, _ := newTestCache(src)

	snap, err := c.Snapshot(context.Background(), "acct-1", []string{"c1", "c3"})
	require.NoError(t, err)

	assert.Equal(t, "Northwind Agency", snap.Account.Name)
	assert.Len(t, snap.Account.Collaborators, 3)
	require.NotNil(t, snap.Active)
	assert.Equal(t, "c1", snap.Active.ID)
	assert.Len(t, snap.Active.History, 2)
	require.Len(t, snap.Selected, 2)
	assert.Equal(t, "c3", snap.Selected[1].ID)
	assert.Equal(t, "friendly", snap.Active.BrandGuidelines["voice"])
	assert.Nil(t, snap.Account.Collaborators[1].BrandGuidelines, "empty guidelines are dropped")

	none, err := c.Snapshot(context.Background(), "acct-1", nil)
	require.NoError(t, err)
	assert.Nil(t, none.Active)
	assert.Empty(t, none.Selected)

	_, err = c.Snapshot(context.Background(), "acct-1", []string{"c9"})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = c.Snapshot(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSnapshotStalenessBound(t *testing.T) {
	src := newSource()
	c, clk := newTestCache(src)
	ctx := context.Background()
	targets := []string{"c1", "c2"}

	first, err := c.Snapshot(ctx, "acct-1", targets)
	require.NoError(t, err)
	src.rename("c1", "Bloom Bakery & Cafe")

	clk.Advance(time.Minute)
	second, err := c.Snapshot(ctx, "acct-1", targets)
	require.NoError(t, err)
	assert.Equal(t, FormatForGeneration(first), FormatForGeneration(second), "within TTL the snapshot is byte-identical")
	assert.Equal(t, int32(1), src.accountLoads.Load())

	c.Invalidate("acct-1")
	third, err := c.Snapshot(ctx, "acct-1", targets)
	require.NoError(t, err)
	assert.Contains(t, FormatForGeneration(third), "Bloom Bakery & Cafe")
	assert.Equal(t, int32(2), src.accountLoads.Load())

	src.rename("c1", "Bloom")
	clk.Advance(5 * time.Minute)
	fourth, err := c.Snapshot(ctx, "acct-1", targets)
	require.NoError(t, err)
	assert.Equal(t, "Bloom", fourth.Active.Name, "expired entries are rebuilt")
}

func TestHistoryKeyedByLimit(t *testing.T) {
	src := newSource()
	c, _ := newTestCache(src)
	ctx := context.Background()

	one, err := c.History(ctx, "acct-1", "c1", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
	all, err := c.History(ctx, "acct-1", "c1", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_, err = c.History(ctx, "acct-1", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.historyLoads.Load())

	c.InvalidateHistory("acct-1", "c1")
	_, err = c.History(ctx, "acct-1", "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.historyLoads.Load())
}

func TestConcurrentMissesShareOneRebuild(t *testing.T) {
	src := newSource()
	src.gate = make(chan struct{})
	c, _ := newTestCache(src)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Snapshot(context.Background(), "acct-1", nil)
			errs <- err
		}()
	}
	// Give every goroutine time to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), src.accountLoads.Load())
}

func TestCancelledCallerDoesNotFailSharedRebuild(t *testing.T) {
	src := newSource()
	src.gate = make(chan struct{})
	c, _ := newTestCache(src)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Snapshot(ctxA, "acct-1", nil)
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.accountLoads.Load() == 1 }, time.Second, 5*time.Millisecond)

	errB := make(chan error, 1)
	go func() {
		_, err := c.Snapshot(context.Background(), "acct-1", nil)
		errB <- err
	}()
	// Let the second caller join the flight.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(src.gate)
	require.NoError(t, <-errB)
	assert.Equal(t, int32(1), src.accountLoads.Load(), "the waiter reuses the flight")

	// The detached load populated the cache.
	_, err := c.Snapshot(context.Background(), "acct-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.accountLoads.Load())
}

func TestRebuildIsBoundedByLoadTimeout(t *testing.T) {
	src := newSource()
	src.gate = make(chan struct{})
	defer close(src.gate)
	c := New(src, WithLoadTimeout(20*time.Millisecond))

	_, err := c.Snapshot(context.Background(), "acct-1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPurge(t *testing.T) {
	src := newSource()
	c, clk := newTestCache(src)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "acct-1", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, 0, c.Purge())
	clk.Advance(6 * time.Minute)
	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 0, c.Len())
}

type failingSource struct{ *fakeSource }

func (f *failingSource) ListCollaborators(context.Context, string) ([]*db.CollaboratorRecord, error) {
	return nil, errors.New("connection refused")
}

func TestSourceErrorsAreNotCached(t *testing.T) {
	src := &failingSource{fakeSource: newSource()}
	c, _ := newTestCache(src)

	_, err := c.Snapshot(context.Background(), "acct-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, c.Len())
}
