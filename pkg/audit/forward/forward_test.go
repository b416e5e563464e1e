package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

func testRecord() *audit.Record {
	return &audit.Record{
		ID:            7,
		OccurredAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ChainID:       "admin",
		ActorID:       "u-1",
		ModuleKey:     "USER",
		OperationKind: audit.KindUpdate,
		Result:        audit.ResultSuccess,
		Targets:       []audit.Target{{Table: "sys_user", ID: "42"}},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestWebhookForwarder_Delivers(t *testing.T) {
	var got Envelope
	var headers http.Header
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f, err := NewWebhookForwarder(WebhookConfig{URL: server.URL, Secret: "s3cret"})
	require.NoError(t, err)
	require.NoError(t, f.Forward(context.Background(), testRecord()))

	assert.Equal(t, EventRecordAdded, got.Event)
	assert.NotEmpty(t, got.DeliveryID)
	assert.Equal(t, int64(7), got.Record.ID)
	assert.Equal(t, got.DeliveryID, headers.Get(HeaderDelivery))
	assert.True(t, VerifySignature(body, headers.Get(HeaderSignature), "s3cret"))
	assert.False(t, VerifySignature(body, headers.Get(HeaderSignature), "other"))
}

func TestWebhookForwarder_Retries(t *testing.T) {
	var calls atomic.Int32
	var ids sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids.Store(r.Header.Get(HeaderDelivery), true)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, err := NewWebhookForwarder(WebhookConfig{URL: server.URL, Retry: RetryConfig{MaxAttempts: 3}})
	require.NoError(t, err)
	f.sleep = noSleep

	require.NoError(t, f.Forward(context.Background(), testRecord()))
	assert.Equal(t, int32(3), calls.Load())

	distinct := 0
	ids.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)
}

func TestWebhookForwarder_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	f, err := NewWebhookForwarder(WebhookConfig{URL: server.URL})
	require.NoError(t, err)
	f.sleep = noSleep

	err = f.Forward(context.Background(), testRecord())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookForwarder_GivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f, err := NewWebhookForwarder(WebhookConfig{URL: server.URL, Retry: RetryConfig{MaxAttempts: 2}})
	require.NoError(t, err)
	f.sleep = noSleep
	assert.Error(t, f.Forward(context.Background(), testRecord()))
}

func TestNewWebhookForwarder_RequiresURL(t *testing.T) {
	_, err := NewWebhookForwarder(WebhookConfig{})
	assert.Error(t, err)
}

func TestRetryConfig_Delay(t *testing.T) {
	c := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, c.delay(1))
	assert.Equal(t, 400*time.Millisecond, c.delay(3))
	assert.Equal(t, time.Second, c.delay(10))
}

type forwarderFunc func(ctx context.Context, rec *audit.Record) error

func (f forwarderFunc) Forward(ctx context.Context, rec *audit.Record) error { return f(ctx, rec) }

func TestAsync_DeliversInBackground(t *testing.T) {
	var mu sync.Mutex
	var delivered []int64
	next := forwarderFunc(func(ctx context.Context, rec *audit.Record) error {
		mu.Lock()
		delivered = append(delivered, rec.ID)
		mu.Unlock()
		return nil
	})

	a := NewAsync(next, AsyncConfig{Workers: 2}, nil, nil)
	for i := int64(1); i <= 5; i++ {
		rec := testRecord()
		rec.ID = i
		require.NoError(t, a.Forward(context.Background(), rec))
	}
	require.NoError(t, a.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, delivered)
}

func TestAsync_FailuresAreCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	next := Multi{
		forwarderFunc(func(context.Context, *audit.Record) error { return &StatusError{StatusCode: 500} }),
		forwarderFunc(func(context.Context, *audit.Record) error { panic("intake exploded") }),
	}
	a := NewAsync(next, AsyncConfig{Workers: 1}, nil, metrics)
	a.Submit(testRecord())
	require.NoError(t, a.Close(context.Background()))

	// the panic aborts Multi before the joined error is returned
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ForwardFailuresTotal.WithLabelValues("error")))

	a.Submit(testRecord())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ForwardFailuresTotal.WithLabelValues("closed")))
}

func TestMulti_JoinsErrors(t *testing.T) {
	m := Multi{
		forwarderFunc(func(context.Context, *audit.Record) error { return nil }),
		forwarderFunc(func(context.Context, *audit.Record) error { return errors.New("a") }),
		forwarderFunc(func(context.Context, *audit.Record) error { return errors.New("b") }),
	}
	err := m.Forward(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestReason(t *testing.T) {
	assert.Equal(t, "status", reason(&StatusError{StatusCode: 503}))
	assert.Equal(t, "timeout", reason(context.DeadlineExceeded))
	assert.Equal(t, "error", reason(errors.New("x")))
}
