// Package apps holds the application definitions the daemon manages:
// where each application's desired state lives, which cluster and
// namespace it lands in, how it is synced, and which images are
// promoted by which strategy. Definitions are validated at admission;
// a malformed strategy or image selector rejects the definition rather
// than failing later at polling time.
package apps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	gerrors "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/image"
	"github.com/gitopsd/gitopsd/pkg/policy"
)

// Source locates an application's desired state within the
// desired-state store.
type Source struct {
	// ChartPath is the directory of the shared chart.
	ChartPath string `json:"chartPath"`
	// Path is the environment overlay directory; its values.yaml is the
	// only file the promotion agent ever writes.
	Path string `json:"path"`
	// TargetRevision pins the revision to deploy; empty means head.
	TargetRevision string `json:"targetRevision,omitempty"`
}

// Destination is the cluster endpoint and namespace to deploy into.
type Destination struct {
	Server    string `json:"server"`
	Namespace string `json:"namespace"`
}

// SyncPolicy says whether the reconciler corrects divergence itself or
// only reports it, and whether resources absent from desired state are
// pruned.
type SyncPolicy struct {
	Automated bool `json:"automated"`
	Prune     bool `json:"prune"`
}

// ImagePolicy pairs an image repository with an update strategy.
type ImagePolicy struct {
	Image    image.Name      `json:"-"`
	Strategy policy.Strategy `json:"-"`
}

// imagePolicyDoc is the wire form of ImagePolicy.
type imagePolicyDoc struct {
	Image    string `json:"image"`
	Strategy string `json:"strategy"`
}

// Application is one managed deployment. Identity is the name, unique
// within the daemon's scope.
type Application struct {
	Name          string        `json:"name"`
	Source        Source        `json:"source"`
	Destination   Destination   `json:"destination"`
	SyncPolicy    SyncPolicy    `json:"syncPolicy"`
	ImagePolicies []ImagePolicy `json:"-"`
}

// GeneratorEntry is one environment a template is expanded into.
type GeneratorEntry struct {
	Environment string `json:"environment"`
	Path        string `json:"path"`
	Server      string `json:"server"`
	Namespace   string `json:"namespace"`
}

// Generator expands one template into one Application per environment.
type Generator struct {
	Template     applicationDoc   `json:"template"`
	Environments []GeneratorEntry `json:"environments"`
}

// applicationDoc is the wire form of Application.
type applicationDoc struct {
	Name          string           `json:"name"`
	Source        Source           `json:"source"`
	Destination   Destination      `json:"destination"`
	SyncPolicy    SyncPolicy       `json:"syncPolicy"`
	ImagePolicies []imagePolicyDoc `json:"imageUpdatePolicy,omitempty"`
}

// configDoc is the on-disk configuration format: explicit applications
// plus generators.
type configDoc struct {
	Applications []applicationDoc `json:"applications,omitempty"`
	Generators   []Generator      `json:"generators,omitempty"`
}

// admit validates a wire-form definition and produces an Application.
// Any failure is a policy error: the definition is rejected.
func admit(doc applicationDoc) (*Application, error) {
	if doc.Name == "" {
		return nil, policyErr(errors.New("application needs a name"))
	}
	if doc.Source.Path == "" || doc.Source.ChartPath == "" {
		return nil, policyErr(errors.Errorf("application %s needs source.path and source.chartPath", doc.Name))
	}
	if doc.Destination.Namespace == "" {
		return nil, policyErr(errors.Errorf("application %s needs destination.namespace", doc.Name))
	}
	app := &Application{
		Name:        doc.Name,
		Source:      doc.Source,
		Destination: doc.Destination,
		SyncPolicy:  doc.SyncPolicy,
	}
	for _, p := range doc.ImagePolicies {
		name, err := image.ParseName(p.Image)
		if err != nil {
			return nil, policyErr(errors.Wrapf(err, "application %s: image selector %q", doc.Name, p.Image))
		}
		strategy, err := policy.ParseStrategy(p.Strategy)
		if err != nil {
			return nil, policyErr(errors.Wrapf(err, "application %s: image %s", doc.Name, p.Image))
		}
		app.ImagePolicies = append(app.ImagePolicies, ImagePolicy{Image: name, Strategy: strategy})
	}
	return app, nil
}

// expand produces the generator's applications: one per environment,
// named `<template>-<environment>`, with the entry's path and
// destination substituted in.
func (g Generator) expand() ([]*Application, error) {
	var apps []*Application
	for _, entry := range g.Environments {
		doc := g.Template
		doc.Name = fmt.Sprintf("%s-%s", g.Template.Name, entry.Environment)
		doc.Source.Path = entry.Path
		doc.Destination = Destination{Server: entry.Server, Namespace: entry.Namespace}
		app, err := admit(doc)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// Registry is the set of admitted applications.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*Application
}

func NewRegistry() *Registry {
	return &Registry{apps: map[string]*Application{}}
}

// Load parses a configuration document (YAML) and replaces the registry
// contents with its applications. Applications previously produced by a
// generator entry that has since been removed disappear with the
// replacement.
func (r *Registry) Load(config []byte) error {
	var doc configDoc
	if err := yaml.Unmarshal(config, &doc); err != nil {
		return policyErr(errors.Wrap(err, "parsing application configuration"))
	}

	next := map[string]*Application{}
	add := func(app *Application) error {
		if _, dup := next[app.Name]; dup {
			return policyErr(errors.Errorf("duplicate application name %q", app.Name))
		}
		next[app.Name] = app
		return nil
	}

	for _, appDoc := range doc.Applications {
		app, err := admit(appDoc)
		if err != nil {
			return err
		}
		if err := add(app); err != nil {
			return err
		}
	}
	for _, gen := range doc.Generators {
		apps, err := gen.expand()
		if err != nil {
			return err
		}
		for _, app := range apps {
			if err := add(app); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.apps = next
	r.mu.Unlock()
	return nil
}

// Get returns the named application.
func (r *Registry) Get(name string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, errors.Errorf("unknown application %q", name)
	}
	return app, nil
}

// Names returns all application names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func policyErr(err error) error {
	return gerrors.NewPolicy(err, "the application definition is invalid and was rejected")
}
