package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

// fakeMailbox serves listing pages, messages and history pages from memory
type fakeMailbox struct {
	mu sync.Mutex

	listPages  [][]string
	messages   map[string]*MessageMeta
	failIDs    map[string]bool
	history    []*HistoryPage
	historyErr error
	profile    string
	onProfile  func()
	block      chan struct{}

	queries      []string
	fetches      map[string]int
	historyCalls int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages: make(map[string]*MessageMeta),
		failIDs:  make(map[string]bool),
		fetches:  make(map[string]int),
	}
}

// addMessages registers n messages named prefix-0..n-1 and returns their ids
func (f *fakeMailbox) addMessages(prefix string, n int, historyBase int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%03d", prefix, i)
		ids[i] = id
		f.messages[id] = &MessageMeta{
			Provider:  ProviderGoogle,
			MessageID: id,
			ThreadID:  "thread-" + id,
			Subject:   "subject " + id,
			From:      fmt.Sprintf("Sender %d <sender%d@example.com>", i%5, i%5),
			To:        "me@corp.io",
			PlainBody: "body of " + id,
			Date:      time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			HistoryID: strconv.Itoa(historyBase + i),
		}
	}
	return ids
}

func (f *fakeMailbox) HistoryCursor(ctx context.Context) (string, error) {
	if f.onProfile != nil {
		f.onProfile()
	}
	return f.profile, nil
}

func (f *fakeMailbox) ListMessageIDs(ctx context.Context, query, pageToken string) (*MessagePage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)

	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if idx >= len(f.listPages) {
		return &MessagePage{}, nil
	}
	page := &MessagePage{IDs: f.listPages[idx]}
	if idx+1 < len(f.listPages) {
		page.NextPageToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (*MessageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++

	if f.failIDs[id] {
		return nil, fmt.Errorf("fetch %s: 500 backend error", id)
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("fetch %s: 404 not found", id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMailbox) ListHistory(ctx context.Context, startCursor, pageToken string) (*HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++

	if f.historyErr != nil {
		return nil, f.historyErr
	}
	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if idx >= len(f.history) {
		return &HistoryPage{}, nil
	}
	return f.history[idx], nil
}

func (f *fakeMailbox) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeMailbox) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) AccessToken(ctx context.Context, tenantID string) (string, error) {
	args := m.Called(ctx, tenantID)
	return args.String(0), args.Error(1)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type harness struct {
	store       *sqlite.Store
	tokens      *mockTokens
	mailboxes   map[string]*fakeMailbox
	pipeline    *Pipeline
	coordinator *Coordinator
	sleeps      *sleepLog
	now         time.Time
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open("sqlite", filepath.Join(t.TempDir(), "mailsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newHarness wires a coordinator to a real store; mailboxes are chosen by access token,
// which the token mock hands out as "tok-<tenant>".
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     newTestStore(t),
		tokens:    &mockTokens{},
		mailboxes: make(map[string]*fakeMailbox),
		sleeps:    &sleepLog{},
		now:       time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	h.pipeline = NewPipeline(h.store, PipelineOptions{ChunkSize: 50, Workers: 3, ChunkDelay: time.Second})
	h.pipeline.SetSleep(h.sleeps.sleep)

	factory := func(ctx context.Context, token TokenFunc) (Mailbox, error) {
		access, err := token(ctx)
		if err != nil {
			return nil, err
		}
		mb, ok := h.mailboxes[access]
		if !ok {
			return nil, fmt.Errorf("no mailbox for %s", access)
		}
		return mb, nil
	}

	h.coordinator = NewCoordinator(h.store, h.tokens, factory, h.pipeline, 4*time.Minute)
	h.coordinator.SetClock(func() time.Time { return h.now })
	return h
}

// mailbox registers a mailbox for tenant and a token for it
func (h *harness) mailbox(tenantID string) *fakeMailbox {
	mb := newFakeMailbox()
	h.mailboxes["tok-"+tenantID] = mb
	h.tokens.On("AccessToken", mock.Anything, tenantID).Return("tok-"+tenantID, nil)
	return mb
}

// seedCursor records a completed sync with cursor for tenant
func (h *harness) seedCursor(t *testing.T, tenantID, cursor string) {
	t.Helper()
	ctx := context.Background()
	ok, err := h.store.AcquireLock(ctx, tenantID, "seed", "syncing", h.now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.store.CompleteSync(ctx, tenantID, "seed", cursor, h.now))
	require.NoError(t, h.store.ReleaseLock(ctx, tenantID, "seed"))
}
