// Package mock provides an in-memory Cluster for tests: it remembers
// what was applied, counts mutations, and lets tests simulate outages
// and out-of-band edits.
package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/resource"
)

type entry struct {
	application string
	res         resource.Resource
}

type Cluster struct {
	mu      sync.Mutex
	objects map[resource.ID]entry

	// Mutations counts Apply and Delete calls, for asserting
	// idempotence.
	mutations int

	// FailApplies makes every Apply fail, to exercise partial-sync
	// reporting.
	FailApplies bool
	// Unreachable makes every call fail, to exercise transient
	// handling.
	Unreachable bool
}

var _ cluster.Cluster = &Cluster{}

func New() *Cluster {
	return &Cluster{objects: map[resource.ID]entry{}}
}

func (c *Cluster) Export(ctx context.Context, namespace, application string) (*resource.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unreachable {
		return nil, errors.New("cluster unreachable")
	}
	set := resource.NewSet()
	for id, e := range c.objects {
		ns, _, _ := id.Components()
		if ns != namespace || e.application != application {
			continue
		}
		set.Add(e.res)
	}
	return set, nil
}

func (c *Cluster) Apply(ctx context.Context, application string, res resource.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unreachable {
		return errors.New("cluster unreachable")
	}
	if c.FailApplies {
		return errors.Errorf("apply %s refused", res.ResourceID())
	}
	c.mutations++
	labeled, err := resource.New(cluster.Labeled(application, res), res.Source(), "")
	if err != nil {
		return err
	}
	c.objects[res.ResourceID()] = entry{application: application, res: labeled}
	return nil
}

func (c *Cluster) Delete(ctx context.Context, res resource.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unreachable {
		return errors.New("cluster unreachable")
	}
	c.mutations++
	delete(c.objects, res.ResourceID())
	return nil
}

// Mutations returns how many Apply/Delete calls have been made.
func (c *Cluster) Mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutations
}

// Edit simulates somebody mutating a managed resource out of band,
// e.g., kubectl edit. The mutation does not count as one of ours.
func (c *Cluster) Edit(id resource.ID, mutate func(body map[string]interface{})) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[id]
	if !ok {
		return errors.Errorf("no such resource %s", id)
	}
	mutate(e.res.Object())
	return nil
}

// Has reports whether the resource currently exists.
func (c *Cluster) Has(id resource.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[id]
	return ok
}
