package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type mockSyncs struct{ mock.Mock }

func (m *mockSyncs) FullSync(ctx context.Context, tenantID string, after *time.Time) (*sync.SyncResult, error) {
	args := m.Called(ctx, tenantID, after)
	res, _ := args.Get(0).(*sync.SyncResult)
	return res, args.Error(1)
}

func (m *mockSyncs) IncrementalSync(ctx context.Context, tenantID string) (*sync.SyncResult, error) {
	args := m.Called(ctx, tenantID)
	res, _ := args.Get(0).(*sync.SyncResult)
	return res, args.Error(1)
}

func (m *mockSyncs) Status(ctx context.Context, tenantID string) (*sync.Status, error) {
	args := m.Called(ctx, tenantID)
	st, _ := args.Get(0).(*sync.Status)
	return st, args.Error(1)
}

type mockBackground struct{ mock.Mock }

func (m *mockBackground) StartFullSync(ctx context.Context, tenantID string, after *time.Time) error {
	return m.Called(ctx, tenantID, after).Error(0)
}

func (m *mockBackground) Stop(tenantID string) error {
	return m.Called(tenantID).Error(0)
}

func (m *mockBackground) IsRunning(tenantID string) bool {
	return m.Called(tenantID).Bool(0)
}

type mockTokens struct{ mock.Mock }

func (m *mockTokens) GetToken(ctx context.Context, userJWT string, provider auth.Provider) (*auth.Token, error) {
	args := m.Called(ctx, userJWT, provider)
	tok, _ := args.Get(0).(*auth.Token)
	return tok, args.Error(1)
}

type mockLinker struct{ mock.Mock }

func (m *mockLinker) Link(ctx context.Context, tenantID string, tok *auth.Token) error {
	return m.Called(ctx, tenantID, tok).Error(0)
}

// headerAuth trusts X-Tenant, standing in for the JWT middleware
func headerAuth(c *gin.Context) {
	tenant := c.GetHeader("X-Tenant")
	if tenant == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing tenant"})
		return
	}
	c.Set(auth.TenantKey, tenant)
	c.Set(auth.SessionKey, "session-jwt")
	c.Next()
}

type fixture struct {
	syncs      *mockSyncs
	background *mockBackground
	tokens     *mockTokens
	linker     *mockLinker
	router     *gin.Engine
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		syncs:      &mockSyncs{},
		background: &mockBackground{},
		tokens:     &mockTokens{},
		linker:     &mockLinker{},
	}
	f.router = NewRouter(Deps{
		Syncs:       f.syncs,
		Background:  f.background,
		Tokens:      f.tokens,
		Credentials: f.linker,
		Auth:        headerAuth,
	})
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Tenant", "acme")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestFullSyncStartsInBackground(t *testing.T) {
	f := newFixture()
	after := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	f.background.On("StartFullSync", mock.Anything, "acme", &after).Return(nil)

	w := f.do(http.MethodPost, "/sync/full?after=2024-02-01")
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.background.AssertExpectations(t)
}

func TestFullSyncConflict(t *testing.T) {
	f := newFixture()
	f.background.On("StartFullSync", mock.Anything, "acme", (*time.Time)(nil)).Return(sync.ErrAlreadyInProgress)

	w := f.do(http.MethodPost, "/sync/full")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_in_progress", decode(t, w)["code"])
}

func TestFullSyncWait(t *testing.T) {
	f := newFixture()
	f.syncs.On("FullSync", mock.Anything, "acme", (*time.Time)(nil)).Return(&sync.SyncResult{
		Mode:         sync.ModeFull,
		IngestResult: sync.IngestResult{Processed: 120, Inserted: 120},
		Cursor:       "300",
	}, nil)

	w := f.do(http.MethodPost, "/sync/full?wait=true")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(120), body["inserted"])
	assert.Equal(t, "300", body["cursor"])
}

func TestFullSyncBadDate(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/sync/full?after=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIncrementalSyncErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{sync.ErrAlreadyInProgress, http.StatusConflict, "already_in_progress"},
		{fmt.Errorf("record cursor 9: %w", sync.ErrLockLost), http.StatusConflict, "lock_lost"},
		{sync.ErrNoSyncState, http.StatusPreconditionFailed, "no_sync_state"},
		{fmt.Errorf("list history: %w", sync.ErrHistoryExpired), http.StatusGone, "history_expired"},
		{fmt.Errorf("access token: %w", auth.ErrReconnectRequired), http.StatusUnauthorized, "reconnect_required"},
		{errors.New("disk full"), http.StatusInternalServerError, "sync_failed"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture()
			f.syncs.On("IncrementalSync", mock.Anything, "acme").Return(nil, tc.err)

			w := f.do(http.MethodPost, "/sync/incremental")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["code"])
		})
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	cur, total := 50, 120
	f.syncs.On("Status", mock.Anything, "acme").Return(&sync.Status{
		HasSynced: true,
		Cursor:    "300",
		Phase:     "fetching",
		Progress:  &sync.Progress{Current: &cur, Total: &total},
	}, nil)
	f.background.On("IsRunning", "acme").Return(true)

	w := f.do(http.MethodGet, "/sync/status")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["hasSynced"])
	assert.Equal(t, "fetching", body["phase"])
	assert.Equal(t, true, body["running"])
	progress := body["progress"].(map[string]interface{})
	assert.Equal(t, float64(50), progress["current"])
}

func TestStop(t *testing.T) {
	f := newFixture()
	f.background.On("Stop", "acme").Return(nil).Once()
	f.background.On("Stop", "acme").Return(errors.New("no sync running for acme"))

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/sync").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/sync").Code)
}

func TestLinkMailbox(t *testing.T) {
	f := newFixture()
	tok := &auth.Token{AccessToken: "a", RefreshToken: "r"}
	f.tokens.On("GetToken", mock.Anything, "session-jwt", auth.ProviderGoogle).Return(tok, nil)
	f.linker.On("Link", mock.Anything, "acme", tok).Return(nil)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/mailbox/link").Code)
	f.linker.AssertExpectations(t)
}

func TestLinkMailboxNotConnected(t *testing.T) {
	f := newFixture()
	f.tokens.On("GetToken", mock.Anything, "session-jwt", auth.ProviderGoogle).
		Return(nil, fmt.Errorf("no google account connected: %w", auth.ErrAccountNotLinked))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/mailbox/link").Code)
	f.linker.AssertNotCalled(t, "Link", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
