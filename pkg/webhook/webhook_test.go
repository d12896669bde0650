package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/webhook"
)

var key = []byte("correct horse battery staple")

func completed(t *testing.T, url string) *record.Record {
	rec := record.New("api", "alice", record.Options{WebhookURL: url})
	rec.ID = "deployment-1"
	for _, step := range []record.StepKey{record.StepValidating, record.StepBuilding, record.StepPublishing, record.StepDeploying, record.StepVerifying} {
		require.NoError(t, rec.Advance(step, ""))
	}
	require.NoError(t, rec.Complete("http://api"))
	return rec
}

func TestNotify(t *testing.T) {
	var received *record.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, webhook.Verify(body, r.Header.Get(webhook.SignatureHeader), key))

		received = &record.Record{}
		require.NoError(t, json.Unmarshal(body, received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rec := completed(t, server.URL)
	err := webhook.New(key).Notify(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, rec.ID, received.ID)
	assert.Equal(t, record.StatusCompleted, received.Status)
}

func TestNotifyWithoutURL(t *testing.T) {
	rec := completed(t, "")
	assert.NoError(t, webhook.New(key).Notify(context.Background(), rec))
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := webhook.New(key)
	notifier.MaxElapsedTime = 10 * time.Second
	require.NoError(t, notifier.Notify(context.Background(), completed(t, server.URL)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := webhook.New(key).Notify(context.Background(), completed(t, server.URL))
	assert.ErrorContains(t, err, "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signature, err := webhook.Sign([]byte(`{"status":"completed"}`), key)
	require.NoError(t, err)

	assert.NoError(t, webhook.Verify([]byte(`{"status":"completed"}`), signature, key))
	assert.Error(t, webhook.Verify([]byte(`{"status":"failed"}`), signature, key))
	assert.Error(t, webhook.Verify([]byte(`{"status":"completed"}`), signature, []byte("wrong key")))
}
