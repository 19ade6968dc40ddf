package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/apps"
	clustermock "github.com/gitopsd/gitopsd/pkg/cluster/mock"
	"github.com/gitopsd/gitopsd/pkg/daemon"
	"github.com/gitopsd/gitopsd/pkg/event"
	"github.com/gitopsd/gitopsd/pkg/promote"
	"github.com/gitopsd/gitopsd/pkg/reconcile"
	regmock "github.com/gitopsd/gitopsd/pkg/registry/mock"
	"github.com/gitopsd/gitopsd/pkg/render"
	"github.com/gitopsd/gitopsd/pkg/store"
)

func testServer(t *testing.T) (*daemon.Daemon, *event.Log, http.Handler) {
	t.Helper()

	files := map[string][]byte{
		"charts/vote/values.yaml":         []byte("images:\n  vote:\n    repository: example/vote\n    tag: 1.0.0\n"),
		"charts/vote/templates/vote.yaml": []byte("apiVersion: v1\nkind: Service\nmetadata:\n  name: vote\n"),
		"envs/staging/values.yaml":        []byte("images:\n  vote:\n    tag: 1.2.0\n"),
	}
	registry := apps.NewRegistry()
	require.NoError(t, registry.Load([]byte(`
applications:
- name: vote-staging
  source: {chartPath: charts/vote, path: envs/staging}
  destination: {namespace: staging}
  syncPolicy: {automated: true}
`)))

	s := store.NewInMem(files)
	events := event.NewLog(10)
	d := &daemon.Daemon{
		Reconciler: &reconcile.Reconciler{
			Store:      s,
			Renderer:   render.Chart{},
			Cluster:    clustermock.New(),
			Apps:       registry,
			Logger:     log.NewNopLogger(),
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			Backoff:    time.Millisecond,
			Events:     events,
		},
		Promoter: &promote.Agent{
			Store:    s,
			Registry: regmock.New(),
			Apps:     registry,
			Logger:   log.NewNopLogger(),
		},
		Apps:   registry,
		Logger: log.NewNopLogger(),
	}
	handler := NewHandler(d, events, NewRouter(), log.NewNopLogger())
	return d, events, handler
}

func TestListStatuses(t *testing.T) {
	d, _, handler := testServer(t)
	_, err := d.Reconciler.Reconcile(context.Background(), "vote-staging")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []reconcile.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "vote-staging", statuses[0].Application)
	assert.Equal(t, reconcile.StatusSynced, statuses[0].Status)
}

func TestGetStatus(t *testing.T) {
	_, _, handler := testServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status/vote-staging", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status reconcile.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, reconcile.StatusUnknown, status.Status)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	d, _, handler := testServer(t)
	_, err := d.Reconciler.Reconcile(context.Background(), "vote-staging")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []event.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, event.EventSync, events[0].Type)
}

func TestSyncNow(t *testing.T) {
	_, _, handler := testServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sync", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/poll", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, handler := testServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
