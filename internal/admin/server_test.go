package admin_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"jobmate/alert-service/internal/admin"
	"jobmate/alert-service/internal/engine"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/model"
	"jobmate/alert-service/internal/queue"
	"jobmate/alert-service/internal/scheduler"
)

type fakeEngine struct {
	triggerErr error
	statsErr   error
	failed     []queue.FailedItem
	lastLimit  int
	drained    int
	history    []model.NotificationRecord
	historyErr error
	lastUser   string
}

func (f *fakeEngine) TriggerAlert(_ context.Context, alertID string) (engine.TriggerResult, error) {
	if f.triggerErr != nil {
		return engine.TriggerResult{}, f.triggerErr
	}
	return engine.TriggerResult{Mode: scheduler.ModeQueued, ItemID: "alert-" + alertID + "-1", Created: true}, nil
}

func (f *fakeEngine) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Waiting: 3, Delayed: 2, Failed: 1}, f.statsErr
}

func (f *fakeEngine) Drain(context.Context) (int, error) { return f.drained, nil }

func (f *fakeEngine) Failed(_ context.Context, limit int) ([]queue.FailedItem, error) {
	f.lastLimit = limit
	return f.failed, nil
}

func (f *fakeEngine) History(_ context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	f.lastUser, f.lastLimit = userID, limit
	return f.history, f.historyErr
}

func (f *fakeEngine) Breaker() engine.BreakerStatus {
	return engine.BreakerStatus{State: "flowing", Failures: 1}
}

func startServer(t *testing.T, eng admin.Engine) (*admin.Server, *admin.Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv := admin.NewServer(eng, zap.NewNop())
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := admin.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTriggerAlert(t *testing.T) {
	_, client := startServer(t, &fakeEngine{})

	out, err := client.TriggerAlert(ctxWithTimeout(t), "42")
	require.NoError(t, err)
	assert.Equal(t, "queued", out["mode"])
	assert.Equal(t, "alert-42-1", out["itemId"])
	assert.Equal(t, true, out["created"])
}

func TestTriggerAlert_RequiresID(t *testing.T) {
	_, client := startServer(t, &fakeEngine{})

	_, err := client.TriggerAlert(ctxWithTimeout(t), "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTriggerAlert_ErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code codes.Code
	}{
		"not found":     {ledger.ErrNotFound, codes.NotFound},
		"inactive":      {engine.ErrAlertInactive, codes.FailedPrecondition},
		"breaker open":  {engine.ErrBreakerOpen, codes.Unavailable},
		"queue down":    {queue.ErrQueueUnavailable, codes.Unavailable},
		"bad payload":   {model.ErrInvalidPayload, codes.Internal},
		"anything else": {errors.New("boom"), codes.Internal},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, client := startServer(t, &fakeEngine{triggerErr: tc.err})

			_, err := client.TriggerAlert(ctxWithTimeout(t), "1")
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestQueueStats(t *testing.T) {
	_, client := startServer(t, &fakeEngine{})

	out, err := client.QueueStats(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.InDelta(t, 3, out["waiting"], 0)
	assert.InDelta(t, 2, out["delayed"], 0)
	assert.InDelta(t, 1, out["failed"], 0)
	assert.Equal(t, false, out["paused"])
	assert.Equal(t, map[string]any{"state": "flowing", "failures": float64(1)}, out["breaker"])
}

func TestQueueStats_Degraded(t *testing.T) {
	_, client := startServer(t, &fakeEngine{statsErr: engine.ErrNoQueue})

	_, err := client.QueueStats(ctxWithTimeout(t))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestDrainQueue(t *testing.T) {
	_, client := startServer(t, &fakeEngine{drained: 7})

	out, err := client.DrainQueue(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.InDelta(t, 7, out["removed"], 0)
}

func TestListFailed(t *testing.T) {
	eng := &fakeEngine{failed: []queue.FailedItem{{
		ID:       "alert-9-1",
		AlertID:  "9",
		Reason:   "provider unauthenticated or misconfigured",
		Attempts: 1,
		FailedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}}}
	_, client := startServer(t, eng)

	out, err := client.ListFailed(ctxWithTimeout(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 50, eng.lastLimit)

	items, ok := out["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "9", item["alertId"])
	assert.Equal(t, "provider unauthenticated or misconfigured", item["reason"])
	assert.Equal(t, "2026-03-02T09:00:00Z", item["failedAt"])

	_, err = client.ListFailed(ctxWithTimeout(t), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, eng.lastLimit)
}

func TestListFailed_Empty(t *testing.T) {
	_, client := startServer(t, &fakeEngine{})

	out, err := client.ListFailed(ctxWithTimeout(t), 10)
	require.NoError(t, err)
	assert.Equal(t, []any{}, out["items"])
}

func TestHealthFollowsBreaker(t *testing.T) {
	srv, client := startServer(t, &fakeEngine{})
	ctx := ctxWithTimeout(t)

	st, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", st)

	srv.SetBreakerOpen(true)
	st, err = client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", st)

	srv.SetBreakerOpen(false)
	st, err = client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", st)
}

func TestListHistory(t *testing.T) {
	sent := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	eng := &fakeEngine{history: []model.NotificationRecord{{
		ID: "n1", UserID: "u1", AlertID: "a1", ListingID: "l1", ExternalID: "adzuna-9",
		Status: model.StatusSent, MessageID: "<m1@jobmate>", CreatedAt: sent,
	}}}
	_, client := startServer(t, eng)

	out, err := client.ListHistory(ctxWithTimeout(t), "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, "u1", eng.lastUser)
	assert.Equal(t, 5, eng.lastLimit)

	items := out["items"].([]any)
	require.Len(t, items, 1)
	rec := items[0].(map[string]any)
	assert.Equal(t, "l1", rec["listingId"])
	assert.Equal(t, "sent", rec["status"])
	assert.Equal(t, "<m1@jobmate>", rec["messageId"])
	assert.Equal(t, "2026-03-02T08:30:00Z", rec["createdAt"])
	assert.NotContains(t, rec, "error")
}

func TestListHistory_DefaultsAndErrors(t *testing.T) {
	eng := &fakeEngine{}
	_, client := startServer(t, eng)
	ctx := ctxWithTimeout(t)

	out, err := client.ListHistory(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 50, eng.lastLimit)
	assert.Equal(t, []any{}, out["items"])

	_, err = client.ListHistory(ctx, "", 10)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	eng.historyErr = errors.New("connection refused")
	_, err = client.ListHistory(ctx, "u1", 10)
	assert.Equal(t, codes.Internal, status.Code(err))
}
