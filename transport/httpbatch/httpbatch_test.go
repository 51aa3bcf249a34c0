package httpbatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
	"github.com/fieldtrack/fieldsync/schema"
)

func testBatch(t *testing.T) *operation.Batch {
	t.Helper()
	reg := schema.MustNewRegistry()
	op, err := operation.New(reg, schema.EntityFindLog, "fl-1", operation.TypeCreate,
		json.RawMessage(`{"id":"fl-1"}`), operation.PriorityNormal, nil)
	require.NoError(t, err)
	batch, err := operation.NewBatch("user-1", []*operation.Operation{op})
	require.NoError(t, err)
	return batch
}

func TestSend_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/batch", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var batch operation.Batch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		require.Len(t, batch.Operations, 1)

		json.NewEncoder(w).Encode(operation.BatchResult{
			Success: true,
			BatchID: batch.BatchID,
			Results: []operation.Result{{
				SyncID:        batch.Operations[0].SyncID,
				Status:        operation.ResultAcked,
				RemoteVersion: 1,
			}},
			ProcessedAt: time.Now(),
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithTokenProvider(func(context.Context) (string, error) {
		return "test-token", nil
	}))
	require.NoError(t, err)

	batch := testBatch(t)
	br, err := client.Send(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.True(t, br.Success)
	require.Len(t, br.Results, 1)
	assert.Equal(t, operation.ResultAcked, br.Results[0].Status)
}

func TestSend_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind syncErrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, syncErrors.KindPermanent},
		{"forbidden", http.StatusForbidden, syncErrors.KindPermanent},
		{"bad request", http.StatusBadRequest, syncErrors.KindPermanent},
		{"throttled", http.StatusTooManyRequests, syncErrors.KindTransient},
		{"server error", http.StatusInternalServerError, syncErrors.KindTransient},
		{"bad gateway", http.StatusBadGateway, syncErrors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client, err := NewClient(srv.URL)
			require.NoError(t, err)

			_, err = client.Send(context.Background(), testBatch(t))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, syncErrors.KindOf(err))
		})
	}
}

func TestSend_NetworkErrorIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), testBatch(t))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindConnectivity, syncErrors.KindOf(err))
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestSend_MalformedResultIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), testBatch(t))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindProtocol, syncErrors.KindOf(err))
	assert.False(t, syncErrors.IsRetryable(err))
}

func TestSend_BreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithBreakerSettings(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	require.NoError(t, err)

	batch := testBatch(t)
	for i := 0; i < 2; i++ {
		_, err = client.Send(context.Background(), batch)
		require.Error(t, err)
	}
	before := hits.Load()

	// Breaker is open: the request never leaves the client and the
	// failure reads as connectivity.
	_, err = client.Send(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindConnectivity, syncErrors.KindOf(err))
	assert.Equal(t, before, hits.Load())
}

func TestSend_PermanentRejectionDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithBreakerSettings(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	require.NoError(t, err)

	batch := testBatch(t)
	for i := 0; i < 5; i++ {
		_, err = client.Send(context.Background(), batch)
		require.Error(t, err)
		// Still permanent, never converted to a connectivity error by an
		// open breaker.
		assert.Equal(t, syncErrors.KindPermanent, syncErrors.KindOf(err))
	}
}

func TestSend_TokenProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request must not be sent without a token")
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithTokenProvider(func(context.Context) (string, error) {
		return "", assert.AnError
	}))
	require.NoError(t, err)

	_, err = client.Send(context.Background(), testBatch(t))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindPermanent, syncErrors.KindOf(err))
}

func TestPing_RetriesUntilHealthy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithPingTimeout(10*time.Second))
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestPing_GivesUpAsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithPingTimeout(time.Second))
	require.NoError(t, err)

	err = client.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindConnectivity, syncErrors.KindOf(err))
}
