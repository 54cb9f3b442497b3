package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchPostsToRoleSpecificIngestPath(t *testing.T) {
	var mu sync.Mutex
	var gotPaths []string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{
		BaseURL:  srv.URL,
		Group:    "triad",
		Interval: time.Hour,
		Bots:     map[string]string{"vertex": "triad-vertex"},
	}, nil, nil)
	require.NoError(t, err)

	p.dispatch(context.Background(), map[string]map[string]any{
		"vertex": {"position": 1.5},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/ingest/triad-vertex"}, gotPaths)
	require.Equal(t, "triad", gotBody["group"])
	require.Contains(t, gotBody, "timestamp")
}

func TestDispatchDefaultsBotNameWhenUnmapped(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL, Interval: time.Hour}, nil, nil)
	require.NoError(t, err)

	p.dispatch(context.Background(), map[string]map[string]any{
		"helix": {"position": 0.0},
	})

	require.Equal(t, "/ingest/telemetry-helix", gotPath)
}

func TestDispatchSwallowsNon2xxResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL, Interval: time.Hour}, nil, nil)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		p.dispatch(context.Background(), map[string]map[string]any{"vertex": {"x": 1}})
	})
}

func TestStartStopRunsSupplierOnTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var calls int32
	var mu sync.Mutex
	supply := func(ctx context.Context) (map[string]map[string]any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return map[string]map[string]any{"vertex": {"x": 1}}, nil
	}

	p, err := New(Config{BaseURL: srv.URL, Interval: 20 * time.Millisecond}, supply, nil)
	require.NoError(t, err)

	p.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, calls, int32(0))
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}
