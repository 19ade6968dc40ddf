package promote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/apps"
	"github.com/gitopsd/gitopsd/pkg/event"
	"github.com/gitopsd/gitopsd/pkg/image"
	regmock "github.com/gitopsd/gitopsd/pkg/registry/mock"
	"github.com/gitopsd/gitopsd/pkg/store"
)

const chartValues = `replicas: 1
images:
  vote:
    repository: example/vote
    tag: 1.0.0
  result:
    repository: example/result
    tag: 0.9.0
`

const stagingValues = `# staging overrides
replicas: 2
images:
  vote:
    repository: example/vote
    tag: 1.2.0
`

func testFiles() map[string][]byte {
	return map[string][]byte{
		"charts/vote/values.yaml":         []byte(chartValues),
		"charts/vote/templates/vote.yaml": []byte("apiVersion: v1\nkind: Service\nmetadata:\n  name: vote\n"),
		"envs/staging/values.yaml":        []byte(stagingValues),
		"envs/staging/kustomize.yaml":     []byte("unrelated: true\n"),
	}
}

func testApps(t *testing.T, config string) *apps.Registry {
	t.Helper()
	r := apps.NewRegistry()
	require.NoError(t, r.Load([]byte(config)))
	return r
}

const singleAppConfig = `
applications:
- name: vote-staging
  source:
    chartPath: charts/vote
    path: envs/staging
  destination:
    namespace: staging
  syncPolicy:
    automated: true
  imageUpdatePolicy:
  - image: example/vote
    strategy: semver:minor
`

func testAgent(t *testing.T, files map[string][]byte, config string) (*Agent, *store.InMem, *regmock.Registry) {
	t.Helper()
	s := store.NewInMem(files)
	reg := regmock.New()
	a := &Agent{
		Store:    s,
		Registry: reg,
		Apps:     testApps(t, config),
		Logger:   log.NewNopLogger(),
	}
	return a, s, reg
}

func mustName(t *testing.T, s string) image.Name {
	t.Helper()
	n, err := image.ParseName(s)
	require.NoError(t, err)
	return n
}

func overlayImages(t *testing.T, s *store.InMem, file string) map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	head, err := s.Head(ctx)
	require.NoError(t, err)
	tree, err := s.Checkout(ctx, head)
	require.NoError(t, err)
	data, err := tree.Read(file)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	images, _ := doc["images"].(map[string]interface{})
	return images
}

func TestPollPromotesWithinMinor(t *testing.T) {
	a, s, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.2.1", "1.3.0", "2.0.0"})

	updates, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "vote-staging", updates[0].Application)
	assert.Equal(t, "vote", updates[0].Container)
	assert.Equal(t, "1.2.0", updates[0].CurrentTag)
	// semver:minor stays within the deployed major
	assert.Equal(t, "1.3.0", updates[0].NewTag)
	assert.Equal(t, "envs/staging/values.yaml", updates[0].File)

	images := overlayImages(t, s, "envs/staging/values.yaml")
	vote := images["vote"].(map[string]interface{})
	assert.Equal(t, "1.3.0", vote["tag"])
	assert.Equal(t, "example/vote", vote["repository"])
}

func TestPollUpToDateCommitsNothing(t *testing.T) {
	a, s, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.1.0", "1.2.0"})

	ctx := context.Background()
	before, err := s.Head(ctx)
	require.NoError(t, err)

	updates, err := a.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)

	after, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPollTouchesOnlyTheValuesFile(t *testing.T) {
	a, s, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.3.0"})

	ctx := context.Background()
	_, err := a.Poll(ctx)
	require.NoError(t, err)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	tree, err := s.Checkout(ctx, head)
	require.NoError(t, err)

	for _, p := range []string{
		"charts/vote/values.yaml",
		"charts/vote/templates/vote.yaml",
		"envs/staging/kustomize.yaml",
	} {
		data, err := tree.Read(p)
		require.NoError(t, err)
		assert.Equal(t, string(testFiles()[p]), string(data), p)
	}

	// Untracked keys and comments around the edit survive.
	data, err := tree.Read("envs/staging/values.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "replicas: 2")
}

func TestPollCoalescesIntoOneCommit(t *testing.T) {
	const config = `
applications:
- name: vote-staging
  source: {chartPath: charts/vote, path: envs/staging}
  destination: {namespace: staging}
  imageUpdatePolicy:
  - image: example/vote
    strategy: semver:minor
  - image: example/result
    strategy: latest
`
	a, s, reg := testAgent(t, testFiles(), config)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.2.5"})
	reg.SetTags(mustName(t, "example/result"), []string{"0.9.0", "1.1.0", "latest"})

	ctx := context.Background()
	before, err := s.Head(ctx)
	require.NoError(t, err)

	updates, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	// Both updates landed in exactly one commit.
	after, err := s.Head(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, store.Ref("rev-1"), after)

	images := overlayImages(t, s, "envs/staging/values.yaml")
	assert.Equal(t, "1.2.5", images["vote"].(map[string]interface{})["tag"])
	// result had no overlay entry; one is created, and the floating
	// `latest` tag is never selected
	assert.Equal(t, "1.1.0", images["result"].(map[string]interface{})["tag"])
}

func TestPollUnreachableRegistrySkipsQuietly(t *testing.T) {
	a, s, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.Unreachable = true

	ctx := context.Background()
	before, err := s.Head(ctx)
	require.NoError(t, err)

	updates, err := a.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)

	after, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPollOneRegistryCallPerRepository(t *testing.T) {
	config := "applications:\n"
	files := testFiles()
	for i := 0; i < 3; i++ {
		env := fmt.Sprintf("env%d", i)
		files[fmt.Sprintf("envs/%s/values.yaml", env)] = []byte(stagingValues)
		config += fmt.Sprintf(`- name: vote-%s
  source: {chartPath: charts/vote, path: envs/%s}
  destination: {namespace: %s}
  imageUpdatePolicy:
  - {image: example/vote, strategy: semver:minor}
`, env, env, env)
	}
	a, _, reg := testAgent(t, files, config)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.3.0"})

	updates, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, updates, 3)
	assert.Equal(t, 1, reg.Calls)
}

func TestPollRetriesOnStaleBase(t *testing.T) {
	a, s, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.3.0"})

	ctx := context.Background()
	// Race the agent: its first commit lands on a base that moved.
	a.Store = &racingStore{InMem: s, race: func() {
		head, err := s.Head(ctx)
		require.NoError(t, err)
		_, err = s.Commit(ctx, head, "somebody else", store.Update{
			Path: "unrelated.txt", Data: []byte("hello"),
		})
		require.NoError(t, err)
	}}

	updates, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	images := overlayImages(t, s, "envs/staging/values.yaml")
	assert.Equal(t, "1.3.0", images["vote"].(map[string]interface{})["tag"])
}

func TestPollEmitsEvent(t *testing.T) {
	a, _, reg := testAgent(t, testFiles(), singleAppConfig)
	reg.SetTags(mustName(t, "example/vote"), []string{"1.2.0", "1.3.0"})
	events := event.NewLog(10)
	a.Events = events

	_, err := a.Poll(context.Background())
	require.NoError(t, err)

	recorded := events.Events()
	require.Len(t, recorded, 1)
	assert.Equal(t, event.EventAutoPromote, recorded[0].Type)
	assert.Contains(t, recorded[0].Message, "Auto-release example/vote:1.3.0")
}

// racingStore sneaks a foreign commit in just before the agent's first
// commit attempt, so the agent's base is stale exactly once.
type racingStore struct {
	*store.InMem
	race func()
}

func (r *racingStore) Commit(ctx context.Context, base store.Ref, message string, updates ...store.Update) (store.Ref, error) {
	if r.race != nil {
		r.race()
		r.race = nil
	}
	return r.InMem.Commit(ctx, base, message, updates...)
}

// hangingRegistry blocks until the caller's context expires, the way a
// wedged remote connection would.
type hangingRegistry struct{}

func (hangingRegistry) Tags(ctx context.Context, name image.Name) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPollTimesOutHungRegistry(t *testing.T) {
	a, s, _ := testAgent(t, testFiles(), singleAppConfig)
	a.Registry = hangingRegistry{}
	a.Timeout = 20 * time.Millisecond

	before, err := s.Head(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		updates, err := a.Poll(context.Background())
		assert.NoError(t, err)
		assert.Empty(t, updates)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll must return once the per-call timeout expires")
	}

	after, err := s.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
