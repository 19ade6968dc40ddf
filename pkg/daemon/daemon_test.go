package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/apps"
	clustermock "github.com/gitopsd/gitopsd/pkg/cluster/mock"
	"github.com/gitopsd/gitopsd/pkg/image"
	"github.com/gitopsd/gitopsd/pkg/promote"
	"github.com/gitopsd/gitopsd/pkg/reconcile"
	"github.com/gitopsd/gitopsd/pkg/registry/mock"
	"github.com/gitopsd/gitopsd/pkg/render"
	"github.com/gitopsd/gitopsd/pkg/store"
)

const chartValues = `images:
  vote:
    repository: example/vote
    tag: 1.0.0
`

const template = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: vote
spec:
  template:
    spec:
      containers:
      - name: vote
        image: placeholder
`

func testDaemon(t *testing.T, n int) (*Daemon, *store.InMem, *clustermock.Cluster, *mock.Registry) {
	t.Helper()

	files := map[string][]byte{
		"charts/vote/values.yaml":         []byte(chartValues),
		"charts/vote/templates/vote.yaml": []byte(template),
	}
	config := "applications:\n"
	for i := 0; i < n; i++ {
		env := fmt.Sprintf("env%d", i)
		files[fmt.Sprintf("envs/%s/values.yaml", env)] = []byte("images:\n  vote:\n    tag: 1.2.0\n")
		config += fmt.Sprintf(`- name: vote-%s
  source: {chartPath: charts/vote, path: envs/%s}
  destination: {namespace: %s}
  syncPolicy: {automated: true}
  imageUpdatePolicy:
  - {image: example/vote, strategy: semver:minor}
`, env, env, env)
	}

	registry := apps.NewRegistry()
	require.NoError(t, registry.Load([]byte(config)))

	s := store.NewInMem(files)
	c := clustermock.New()
	reg := mock.New()

	d := &Daemon{
		Reconciler: &reconcile.Reconciler{
			Store:      s,
			Renderer:   render.Chart{},
			Cluster:    c,
			Apps:       registry,
			Logger:     log.NewNopLogger(),
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			Backoff:    time.Millisecond,
		},
		Promoter: &promote.Agent{
			Store:    s,
			Registry: reg,
			Apps:     registry,
			Logger:   log.NewNopLogger(),
		},
		Apps:    registry,
		Logger:  log.NewNopLogger(),
		Workers: 2,
	}
	return d, s, c, reg
}

func TestReconcileAllCoversEveryApplication(t *testing.T) {
	const n = 5
	d, _, c, _ := testDaemon(t, n)

	require.NoError(t, d.reconcileAll(log.NewNopLogger()))
	assert.Equal(t, n, c.Mutations())
	for _, st := range d.Reconciler.StatusAll() {
		assert.Equal(t, reconcile.StatusSynced, st.Status, st.Application)
	}
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	d, s, c, _ := testDaemon(t, 3)

	// Break one application's overlay so its render fails.
	ctx := context.Background()
	head, err := s.Head(ctx)
	require.NoError(t, err)
	_, err = s.Commit(ctx, head, "break env1", store.Update{
		Path: "envs/env1/values.yaml", Data: []byte("images: [broken"),
	})
	require.NoError(t, err)

	err = d.reconcileAll(log.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	// The healthy applications still converged.
	assert.Equal(t, 2, c.Mutations())
	assert.Equal(t, reconcile.StatusSynced, d.Reconciler.Status("vote-env0").Status)
	assert.Equal(t, reconcile.StatusError, d.Reconciler.Status("vote-env1").Status)
	assert.Equal(t, reconcile.StatusSynced, d.Reconciler.Status("vote-env2").Status)
}

func TestPollImagesAsksForSyncAfterPromotion(t *testing.T) {
	d, _, _, reg := testDaemon(t, 1)
	name, err := image.ParseName("example/vote")
	require.NoError(t, err)
	reg.SetTags(name, []string{"1.2.0", "1.3.0"})

	d.ensureInit()
	d.pollImages(log.NewNopLogger())

	select {
	case <-d.syncSoon:
	default:
		t.Fatal("expected a sync to be requested after a promotion commit")
	}
}

func TestPollImagesWithoutUpdatesStaysQuiet(t *testing.T) {
	d, _, _, reg := testDaemon(t, 1)
	name, err := image.ParseName("example/vote")
	require.NoError(t, err)
	reg.SetTags(name, []string{"1.2.0"})

	d.ensureInit()
	d.pollImages(log.NewNopLogger())

	select {
	case <-d.syncSoon:
		t.Fatal("no promotion happened; no sync should be requested")
	default:
	}
}
