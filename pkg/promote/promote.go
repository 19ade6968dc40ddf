// Package promote implements automated image promotion: it polls image
// registries for new tags, picks promotion targets according to each
// application's update strategies, and commits the resulting tag edits
// to the desired-state store. It never touches the cluster; the
// reconciler picks the commit up like any other.
package promote

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	yamlv2 "gopkg.in/yaml.v2"

	"github.com/gitopsd/gitopsd/pkg/apps"
	"github.com/gitopsd/gitopsd/pkg/event"
	"github.com/gitopsd/gitopsd/pkg/image"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/registry"
	"github.com/gitopsd/gitopsd/pkg/render"
	"github.com/gitopsd/gitopsd/pkg/store"
)

const (
	valuesFile = "values.yaml"

	defaultTimeout          = 30 * time.Second
	defaultMaxCommitRetries = 2
)

// TagUpdate is one promotion decision: which container of which
// application moves to which tag.
type TagUpdate struct {
	Application string     `json:"application"`
	Container   string     `json:"container"`
	Image       image.Name `json:"image"`
	Strategy    string     `json:"strategy"`
	CurrentTag  string     `json:"currentTag"`
	NewTag      string     `json:"newTag"`
	// File is the overlay values file the update is written to.
	File string `json:"file"`
}

func (u TagUpdate) String() string {
	return fmt.Sprintf("%s: %s:%s -> %s", u.Application, u.Image, u.CurrentTag, u.NewTag)
}

// Agent performs promotion polls. An application's updates within one
// cycle are coalesced into a single commit touching only that
// application's overlay values file.
type Agent struct {
	Store    store.Store
	Registry registry.Registry
	Apps     *apps.Registry
	Logger   log.Logger
	// Events, if set, receives a record of each promotion commit.
	Events event.Sink
	// Timeout bounds each external call (store read, registry list,
	// commit). A hung registry or remote must not stall the poll.
	Timeout time.Duration
	// MaxCommitRetries bounds retries when the commit base goes stale
	// because somebody else pushed meanwhile.
	MaxCommitRetries int
}

// withTimeout runs f under the per-call timeout. Expiry surfaces as a
// context error, which counts as transient.
func (a *Agent) withTimeout(ctx context.Context, f func(context.Context) error) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f(opCtx)
}

// Poll runs one promotion cycle across all applications and returns the
// updates that were committed. A registry that cannot be reached fails
// only the policies that need it; other applications proceed.
func (a *Agent) Poll(ctx context.Context) ([]TagUpdate, error) {
	// One registry call per repository per cycle, shared across
	// applications that track the same image.
	tags := map[image.CanonicalName][]string{}

	var all []TagUpdate
	for _, name := range a.Apps.Names() {
		updates, err := a.PollApplication(ctx, name, tags)
		if err != nil {
			a.Logger.Log("application", name, "err", err)
			continue
		}
		all = append(all, updates...)
	}
	return all, nil
}

// PollApplication runs one promotion cycle for a single application.
// tagCache, if non-nil, is shared between calls in the same cycle to
// avoid repeated registry round trips.
func (a *Agent) PollApplication(ctx context.Context, name string, tagCache map[image.CanonicalName][]string) ([]TagUpdate, error) {
	app, err := a.Apps.Get(name)
	if err != nil {
		return nil, err
	}
	if len(app.ImagePolicies) == 0 {
		return nil, nil
	}
	if tagCache == nil {
		tagCache = map[image.CanonicalName][]string{}
	}

	retries := a.MaxCommitRetries
	if retries <= 0 {
		retries = defaultMaxCommitRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		updates, err := a.pollOnce(ctx, app, tagCache)
		if err == nil || !errors.Is(err, store.ErrStaleBase) {
			return updates, err
		}
		// Somebody pushed between our checkout and our commit. The new
		// head may already contain some of our updates; recompute from
		// scratch.
		a.Logger.Log("application", name, "info", "commit base went stale; re-polling", "attempt", attempt+1)
		lastErr = err
	}
	return nil, lastErr
}

func (a *Agent) pollOnce(ctx context.Context, app *apps.Application, tagCache map[image.CanonicalName][]string) ([]TagUpdate, error) {
	var head store.Ref
	err := a.withTimeout(ctx, func(opCtx context.Context) error {
		var headErr error
		head, headErr = a.Store.Head(opCtx)
		return headErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "resolving head of desired-state source")
	}
	var tree store.Tree
	err = a.withTimeout(ctx, func(opCtx context.Context) error {
		var coErr error
		tree, coErr = a.Store.Checkout(opCtx, head)
		return coErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "checking out desired state")
	}

	started := time.Now().UTC()
	updates, err := a.decide(ctx, tree, app, tagCache)
	if err != nil || len(updates) == 0 {
		return nil, err
	}

	// All of the application's updates land in one commit, and only its
	// own overlay values file is written; shared chart defaults and
	// other environments stay untouched.
	file := path.Join(app.Source.Path, valuesFile)
	doc, err := a.overlayDoc(tree, file)
	if err != nil {
		return nil, err
	}
	for i := range updates {
		updates[i].File = file
		doc = setImageTag(doc, updates[i].Container, updates[i].NewTag)
	}
	data, err := yamlv2.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", file)
	}

	var rev store.Ref
	err = a.withTimeout(ctx, func(opCtx context.Context) error {
		var commitErr error
		rev, commitErr = a.Store.Commit(opCtx, head, commitMessage(updates), store.Update{Path: file, Data: data})
		return commitErr
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Log("application", app.Name, "info", "released new images", "revision", rev, "updates", len(updates))
	for _, u := range updates {
		releaseCount.With(
			metrics.LabelApplication, u.Application,
			metrics.LabelStrategy, u.Strategy,
		).Add(1)
	}

	if a.Events != nil {
		a.Events.LogEvent(event.Event{
			Application: app.Name,
			Type:        event.EventAutoPromote,
			StartedAt:   started,
			EndedAt:     time.Now().UTC(),
			LogLevel:    event.LogLevelInfo,
			Message:     commitMessage(updates),
			Metadata:    updates,
		})
	}
	return updates, nil
}

// decide selects the application's promotion targets without writing
// anything.
func (a *Agent) decide(ctx context.Context, tree store.Tree, app *apps.Application, tagCache map[image.CanonicalName][]string) ([]TagUpdate, error) {
	values, err := render.Values(tree, app.Source.ChartPath, app.Source.Path)
	if err != nil {
		return nil, errors.Wrap(err, "reading effective values")
	}
	images, _ := values["images"].(map[string]interface{})
	if images == nil {
		return nil, nil
	}

	containers := make([]string, 0, len(images))
	for c := range images {
		containers = append(containers, c)
	}
	sort.Strings(containers)

	var updates []TagUpdate
	for _, policy := range app.ImagePolicies {
		available, ok := tagCache[policy.Image.CanonicalName()]
		if !ok {
			err = a.withTimeout(ctx, func(opCtx context.Context) error {
				var tagsErr error
				available, tagsErr = a.Registry.Tags(opCtx, policy.Image)
				return tagsErr
			})
			if err != nil {
				a.Logger.Log("application", app.Name, "image", policy.Image, "err", errors.Wrap(err, "listing tags"))
				continue
			}
			tagCache[policy.Image.CanonicalName()] = available
		}

		for _, container := range containers {
			entry, _ := images[container].(map[string]interface{})
			if entry == nil {
				continue
			}
			repository, _ := entry["repository"].(string)
			current := tagString(entry["tag"])
			if repository == "" || current == "" {
				continue
			}
			repo, err := image.ParseName(repository)
			if err != nil || repo.CanonicalName() != policy.Image.CanonicalName() {
				continue
			}
			candidate, ok := policy.Strategy.Candidate(current, available)
			if !ok || candidate == current {
				continue
			}
			updates = append(updates, TagUpdate{
				Application: app.Name,
				Container:   container,
				Image:       policy.Image,
				Strategy:    policy.Strategy.String(),
				CurrentTag:  current,
				NewTag:      candidate,
			})
		}
	}
	return updates, nil
}

// overlayDoc returns the order-preserving parse of the overlay values
// file, or an empty document if the file does not exist yet.
func (a *Agent) overlayDoc(tree store.Tree, file string) (yamlv2.MapSlice, error) {
	data, err := tree.Read(file)
	if err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return yamlv2.MapSlice{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", file)
	}
	var doc yamlv2.MapSlice
	if err := yamlv2.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", file)
	}
	return doc, nil
}

// setImageTag writes images.<container>.tag into the document, keeping
// the order of everything already present. Missing intermediate keys
// are appended at the end of their mapping.
func setImageTag(doc yamlv2.MapSlice, container, tag string) yamlv2.MapSlice {
	images, _ := sliceValue(doc, "images").(yamlv2.MapSlice)
	entry, _ := sliceValue(images, container).(yamlv2.MapSlice)
	entry = setSliceValue(entry, "tag", tag)
	images = setSliceValue(images, container, entry)
	return setSliceValue(doc, "images", images)
}

func sliceValue(m yamlv2.MapSlice, key string) interface{} {
	for _, item := range m {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value
		}
	}
	return nil
}

func setSliceValue(m yamlv2.MapSlice, key string, value interface{}) yamlv2.MapSlice {
	for i, item := range m {
		if k, ok := item.Key.(string); ok && k == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, yamlv2.MapItem{Key: key, Value: value})
}

// tagString normalises a values tag to a string; YAML hands unquoted
// numeric tags over as numbers.
func tagString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", t), ".0")
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return ""
	}
}

func commitMessage(updates []TagUpdate) string {
	if len(updates) == 1 {
		u := updates[0]
		return fmt.Sprintf("Auto-release %s:%s", u.Image, u.NewTag)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-release multiple (%d) images\n\n", len(updates))
	for _, u := range updates {
		fmt.Fprintf(&b, " - %s\n", u)
	}
	return strings.TrimRight(b.String(), "\n")
}
