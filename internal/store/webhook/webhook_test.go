package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/types"
)

func TestBatchingAndFiltering(t *testing.T) {
	var mu sync.Mutex
	var batches [][]types.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []types.Event
		require.NoError(t, json.Unmarshal(body, &batch))
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}))
	defer srv.Close()

	s, err := New(Config{
		URL:           srv.URL,
		Events:        []string{"request_rejected"},
		BatchSize:     2,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "1", Type: "request_rejected"}))
	require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "2", Type: "request_forwarded"}))
	require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "3", Type: "request_rejected"}))

	mu.Lock()
	require.Len(t, batches, 1, "batch sent at batch size, filtered type excluded")
	assert.Equal(t, "1", batches[0][0].ID)
	assert.Equal(t, "3", batches[0][1].ID)
	mu.Unlock()
}

func TestCloseFlushes(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []types.Event
		_ = json.Unmarshal(body, &batch)
		mu.Lock()
		received += len(batch)
		mu.Unlock()
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, BatchSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "1", Type: "x"}))
	require.NoError(t, s.Close())

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()
}

func TestRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
