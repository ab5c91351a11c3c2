package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"stand-queue/config"
	"stand-queue/internal/coordinator"
	"stand-queue/internal/ledger"
	"stand-queue/internal/membership"
	"stand-queue/internal/membership/membershiptest"
	"stand-queue/internal/services"
	"stand-queue/security"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// testApp backs request events so handlers can resolve settings such as the
// trusted proxy headers used by RealIP.
var testApp *tests.TestApp

func TestMain(m *testing.M) {
	app, err := tests.NewTestApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "test app:", err)
		os.Exit(1)
	}
	testApp = app

	code := m.Run()
	app.Cleanup()
	os.Exit(code)
}

type handlerEnv struct {
	queue   *QueueHandler
	admin   *AdminHandler
	store   *membershiptest.FlakyStore
	queueID int64
}

func setupTestHandlers(t *testing.T) *handlerEnv {
	t.Helper()

	db, err := ledger.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db)
	require.NoError(t, l.Migrate(context.Background()))

	cfg := &config.Config{DefaultPriorMinutes: 10, PriorWeight: 3, MinSamples: 5, ConfidenceAlpha: 0.05, SampleWindow: 50}
	store := membershiptest.NewFlakyStore(membership.NewMemoryStore())
	svc := services.NewQueueService(coordinator.New(store, l), l, store, nil, cfg)

	q, err := svc.CreateQueue(context.Background(), "Stand A", 5)
	require.NoError(t, err)

	return &handlerEnv{
		queue:   NewQueueHandler(svc),
		admin:   NewAdminHandler(svc),
		store:   store,
		queueID: q.ID,
	}
}

func newRequestEvent(method, target string, body any, pathValues map[string]string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.App = testApp
	e.Request = req
	e.Response = rec
	return e, rec
}

func queuePath(id int64) map[string]string {
	return map[string]string{"queueId": itoa(id)}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func requireAPIError(t *testing.T, err error, status int) *router.ApiError {
	t.Helper()
	var apiErr *router.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, status, apiErr.Status)
	return apiErr
}

func TestQueueHandler_JoinAndPosition(t *testing.T) {
	env := setupTestHandlers(t)

	for i, ext := range []int64{11, 22} {
		e, rec := newRequestEvent(http.MethodPost, "/api/v1/queues/x/join",
			map[string]any{"external_id": ext, "display_name": "guest"}, queuePath(env.queueID))
		require.NoError(t, env.queue.JoinQueue(e))
		assert.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, float64(i+1), body["position"])
		assert.Equal(t, false, body["degraded"])
		assert.NotZero(t, body["entry_id"])
	}

	e, rec := newRequestEvent(http.MethodGet, "/api/v1/queues/x/position?external_id=22", nil, queuePath(env.queueID))
	require.NoError(t, env.queue.GetPosition(e))
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["position"])
	assert.Equal(t, "waiting", body["status"])
	assert.Equal(t, float64(10), body["eta_mean_minutes"])
	assert.Equal(t, float64(5), body["per_person_minutes"])
	assert.Equal(t, float64(0), body["sample_count"])

	e, rec = newRequestEvent(http.MethodGet, "/api/v1/queues/x/position?external_id=99", nil, queuePath(env.queueID))
	require.NoError(t, env.queue.GetPosition(e))
	body = decode(t, rec)
	assert.Nil(t, body["position"])
	assert.Equal(t, "not_in_queue", body["status"])
	assert.Len(t, body, 2)
}

func TestQueueHandler_JoinValidation(t *testing.T) {
	env := setupTestHandlers(t)

	e, _ := newRequestEvent(http.MethodPost, "/", map[string]any{"display_name": "no id"}, queuePath(env.queueID))
	requireAPIError(t, env.queue.JoinQueue(e), http.StatusBadRequest)

	e, _ = newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 1}, queuePath(999))
	requireAPIError(t, env.queue.JoinQueue(e), http.StatusNotFound)

	e, _ = newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 1}, map[string]string{"queueId": "abc"})
	requireAPIError(t, env.queue.JoinQueue(e), http.StatusBadRequest)

	e, _ = newRequestEvent(http.MethodGet, "/?external_id=", nil, queuePath(env.queueID))
	requireAPIError(t, env.queue.GetPosition(e), http.StatusBadRequest)
}

func TestQueueHandler_JoinDegraded(t *testing.T) {
	env := setupTestHandlers(t)
	env.store.SetDown(true)

	e, rec := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 5}, queuePath(env.queueID))
	require.NoError(t, env.queue.JoinQueue(e))

	body := decode(t, rec)
	assert.Equal(t, true, body["degraded"])
	assert.NotEmpty(t, body["warning"])
}

func TestHandlers_AdvanceAndCancel(t *testing.T) {
	env := setupTestHandlers(t)

	var entries []int64
	for _, ext := range []int64{1, 2} {
		e, rec := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": ext, "display_name": "p"}, queuePath(env.queueID))
		require.NoError(t, env.queue.JoinQueue(e))
		entries = append(entries, int64(decode(t, rec)["entry_id"].(float64)))
	}

	e, rec := newRequestEvent(http.MethodPost, "/", nil, queuePath(env.queueID))
	require.NoError(t, env.admin.AdvanceQueue(e))
	body := decode(t, rec)
	called := body["called_participant"].(map[string]any)
	assert.Equal(t, float64(1), called["external_id"])
	assert.Equal(t, float64(entries[0]), body["entry_id"])

	// Called entries cannot be cancelled.
	e, rec = newRequestEvent(http.MethodPost, "/", nil, map[string]string{"entryId": itoa(entries[0])})
	require.NoError(t, env.queue.CancelEntry(e))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["cancelled"])
	assert.Equal(t, "called", body["status"])

	e, rec = newRequestEvent(http.MethodPost, "/", nil, map[string]string{"entryId": itoa(entries[1])})
	require.NoError(t, env.queue.CancelEntry(e))
	body = decode(t, rec)
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, true, body["removed_from_fast_store"])

	e, rec = newRequestEvent(http.MethodPost, "/", nil, queuePath(env.queueID))
	require.NoError(t, env.admin.AdvanceQueue(e))
	assert.Equal(t, true, decode(t, rec)["empty"])

	e, rec = newRequestEvent(http.MethodPost, "/", nil, map[string]string{"entryId": itoa(entries[0])})
	require.NoError(t, env.admin.ServeEntry(e))
	assert.Equal(t, "served", decode(t, rec)["status"])

	e, _ = newRequestEvent(http.MethodPost, "/", nil, map[string]string{"entryId": itoa(entries[0])})
	requireAPIError(t, env.admin.SkipEntry(e), http.StatusConflict)

	e, _ = newRequestEvent(http.MethodPost, "/", nil, map[string]string{"entryId": "12345"})
	requireAPIError(t, env.queue.CancelEntry(e), http.StatusNotFound)
}

func TestAdminHandler_AdvanceUnavailable(t *testing.T) {
	env := setupTestHandlers(t)
	env.store.SetDown(true)

	e, _ := newRequestEvent(http.MethodPost, "/", nil, queuePath(env.queueID))
	requireAPIError(t, env.admin.AdvanceQueue(e), http.StatusServiceUnavailable)
}

func TestAdminHandler_CreateQueueAndRebuild(t *testing.T) {
	env := setupTestHandlers(t)

	e, rec := newRequestEvent(http.MethodPost, "/", map[string]any{"name": "Stand B", "prior_minutes": 3}, nil)
	require.NoError(t, env.admin.CreateQueue(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Stand B", decode(t, rec)["name"])

	e, _ = newRequestEvent(http.MethodPost, "/", map[string]any{"name": ""}, nil)
	requireAPIError(t, env.admin.CreateQueue(e), http.StatusBadRequest)

	e, rec = newRequestEvent(http.MethodGet, "/", nil, nil)
	require.NoError(t, env.queue.ListQueues(e))
	assert.Len(t, decode(t, rec)["queues"], 2)

	e, _ = newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 7}, queuePath(env.queueID))
	require.NoError(t, env.queue.JoinQueue(e))

	e, rec = newRequestEvent(http.MethodPost, "/", nil, queuePath(env.queueID))
	require.NoError(t, env.admin.RebuildQueue(e))
	assert.Equal(t, float64(1), decode(t, rec)["waiting"])

	e, rec = newRequestEvent(http.MethodGet, "/", nil, queuePath(env.queueID))
	require.NoError(t, env.admin.GetWaiting(e))
	participants := decode(t, rec)["participants"].([]any)
	require.Len(t, participants, 1)
	assert.Equal(t, float64(7), participants[0].(map[string]any)["external_id"])
}

func TestQueueHandler_LeaveAndEstimate(t *testing.T) {
	env := setupTestHandlers(t)

	e, _ := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 3}, queuePath(env.queueID))
	require.NoError(t, env.queue.JoinQueue(e))

	e, rec := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 3}, queuePath(env.queueID))
	require.NoError(t, env.queue.LeaveQueue(e))
	assert.Equal(t, true, decode(t, rec)["removed"])

	e, rec = newRequestEvent(http.MethodGet, "/", nil, queuePath(env.queueID))
	require.NoError(t, env.queue.GetEstimate(e))
	body := decode(t, rec)
	assert.Equal(t, float64(5), body["per_person_minutes"])
	assert.Equal(t, float64(5), body["prior_minutes"])
	assert.Equal(t, float64(0), body["sample_count"])
}

func TestRequireOperator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name   string
		hash   string
		key    string
		status int
	}{
		{"valid key", string(hash), "s3cret", 0},
		{"wrong key", string(hash), "guess", http.StatusForbidden},
		{"missing key", string(hash), "", http.StatusUnauthorized},
		{"not configured", "", "s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newRequestEvent(http.MethodPost, "/", nil, nil)
			if tt.key != "" {
				e.Request.Header.Set(OperatorKeyHeader, tt.key)
			}

			err := RequireOperator(tt.hash)(e)
			if tt.status == 0 {
				assert.NoError(t, err)
				return
			}
			requireAPIError(t, err, tt.status)
		})
	}
}

func TestQueueRateLimit_PerParticipant(t *testing.T) {
	env := setupTestHandlers(t)
	client, mock := redismock.NewClientMock()
	limit := security.NewRateLimiter(client, 10, time.Minute).QueueRateLimit()

	expectHit := func(key string, n int64) {
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(n)
		mock.ExpectExpireNX(key, time.Minute).SetVal(n == 1)
		mock.ExpectTxPipelineExec()
	}

	// One bot relays every participant from the same address.
	for ext := int64(1); ext <= 11; ext++ {
		expectHit(fmt.Sprintf("ratelimit:join:user:%d", ext), 1)

		e, rec := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": ext}, queuePath(env.queueID))
		require.NoError(t, limit(e), "participant %d", ext)
		require.NoError(t, env.queue.JoinQueue(e))
		assert.Equal(t, float64(ext), decode(t, rec)["position"])
	}

	expectHit("ratelimit:join:user:3", 11)
	e, _ := newRequestEvent(http.MethodPost, "/", map[string]any{"external_id": 3}, queuePath(env.queueID))
	requireAPIError(t, limit(e), http.StatusTooManyRequests)

	// httptest requests come from 192.0.2.1.
	expectHit("ratelimit:join:ip:192.0.2.1", 11)
	e, _ = newRequestEvent(http.MethodPost, "/", map[string]any{"display_name": "anon"}, queuePath(env.queueID))
	requireAPIError(t, limit(e), http.StatusTooManyRequests)

	assert.NoError(t, mock.ExpectationsWereMet())
}
