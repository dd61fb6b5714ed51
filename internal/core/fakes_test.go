package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"slashy.ai/slashy/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeProvider struct {
	mu sync.Mutex

	actions    []Tool
	actionsErr error

	initiations []Initiation
	initiateErr error
	initiated   []InitiateRequest

	// statuses is consumed one per Status call; the last entry repeats.
	statuses    []ProviderStatus
	statusErr   error
	statusCalls int
	known       map[string]bool
}

func (f *fakeProvider) ListActions(_ context.Context, _ string) ([]Tool, error) {
	return f.actions, f.actionsErr
}

func (f *fakeProvider) Initiate(_ context.Context, req InitiateRequest) (Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return Initiation{}, f.initiateErr
	}
	f.initiated = append(f.initiated, req)
	next := f.initiations[0]
	if len(f.initiations) > 1 {
		f.initiations = f.initiations[1:]
	}
	return next, nil
}

func (f *fakeProvider) Status(_ context.Context, requestID string) (ProviderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.known != nil && !f.known[requestID] {
		return ProviderStatus{}, &UpstreamError{Provider: "composio", StatusCode: 404, Body: "connected account not found"}
	}
	if f.statusErr != nil {
		return ProviderStatus{}, f.statusErr
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return next, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// failingChatStore wraps a real store and fails selected writes and reads.
type failingChatStore struct {
	*store.SQLiteStore
	userMessageErr error
	recentErr      error
}

func (f *failingChatStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	if msg.Role == store.RoleUser && f.userMessageErr != nil {
		return f.userMessageErr
	}
	return f.SQLiteStore.CreateMessage(ctx, msg)
}

func (f *failingChatStore) RecentMessages(ctx context.Context, chatID string, n int) ([]store.Message, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.SQLiteStore.RecentMessages(ctx, chatID, n)
}

type fakeCompleter struct {
	completion Completion
	err        error
	requests   []CompletionRequest
}

func (f *fakeCompleter) Generate(_ context.Context, req CompletionRequest) (Completion, error) {
	f.requests = append(f.requests, req)
	return f.completion, f.err
}

type fakeTitles struct {
	title string
	done  chan struct{}
}

func (f *fakeTitles) GenerateTitle(_ context.Context, _ string) (string, error) {
	defer close(f.done)
	return f.title, nil
}

// fakeClock hands out timers that fire at once unless hold is set.
type fakeClock struct {
	mu     sync.Mutex
	hold   bool
	timers []*fakeTimer
}

type fakeTimer struct {
	c       chan time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1)}
	if !c.hold {
		t.c <- time.Unix(0, 0).Add(d)
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) created() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type fakeWindow struct {
	closed      bool
	closedCalls int
	// closeAfter closes the window after that many Closed checks.
	closeAfter int
	checks     int
}

func (w *fakeWindow) Closed() bool {
	w.checks++
	if w.closeAfter > 0 && w.checks > w.closeAfter {
		w.closed = true
	}
	return w.closed
}

func (w *fakeWindow) Close() {
	w.closed = true
	w.closedCalls++
}

var errBoom = errors.New("boom")
