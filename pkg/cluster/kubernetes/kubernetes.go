// Package kubernetes adapts a real Kubernetes cluster to the
// cluster.Cluster interface, using the dynamic client so no scheme
// registration is needed for whatever kinds the charts produce.
package kubernetes

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/resource"
)

const fieldManager = "gitopsd"

type Cluster struct {
	client dynamic.Interface
	disco  discovery.DiscoveryInterface
	mapper meta.RESTMapper
	logger log.Logger
}

var _ cluster.Cluster = &Cluster{}

func NewCluster(config *rest.Config, logger log.Logger) (*Cluster, error) {
	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating dynamic client")
	}
	disco, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating discovery client")
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))
	return &Cluster{client: client, disco: disco, mapper: mapper, logger: logger}, nil
}

func (c *Cluster) Export(ctx context.Context, namespace, application string) (*resource.Set, error) {
	set := resource.NewSet()
	selector := fmt.Sprintf("%s=%s", cluster.OwnershipLabel, application)

	gvrs, err := c.namespacedResources()
	if err != nil {
		return nil, err
	}
	for _, gvr := range gvrs {
		objs, err := c.client.Resource(gvr).Namespace(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			// Not every listable-looking resource is listable for us.
			if k8serrors.IsNotFound(err) || k8serrors.IsMethodNotSupported(err) || k8serrors.IsForbidden(err) {
				continue
			}
			return nil, errors.Wrapf(err, "listing %s", gvr)
		}
		for i := range objs.Items {
			item := objs.Items[i]
			res, err := resource.New(item.Object, "cluster:"+gvr.String(), namespace)
			if err != nil {
				c.logger.Log("warning", "skipping unidentifiable cluster object", "err", err)
				continue
			}
			set.Add(res)
		}
	}
	return set, nil
}

func (c *Cluster) Apply(ctx context.Context, application string, res resource.Resource) error {
	gvr, namespaced, err := c.mapping(res)
	if err != nil {
		return err
	}
	obj := &unstructured.Unstructured{Object: cluster.Labeled(application, res)}
	ri := c.resourceInterface(gvr, namespaced, res)
	_, err = ri.Apply(ctx, obj.GetName(), obj, metav1.ApplyOptions{FieldManager: fieldManager, Force: true})
	mutationCount.With(
		metrics.LabelAction, "apply",
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Add(1)
	return errors.Wrapf(err, "applying %s", res.ResourceID())
}

func (c *Cluster) Delete(ctx context.Context, res resource.Resource) error {
	gvr, namespaced, err := c.mapping(res)
	if err != nil {
		return err
	}
	_, _, name := res.ResourceID().Components()
	ri := c.resourceInterface(gvr, namespaced, res)
	err = ri.Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && k8serrors.IsNotFound(err) {
		err = nil
	}
	mutationCount.With(
		metrics.LabelAction, "delete",
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Add(1)
	return errors.Wrapf(err, "deleting %s", res.ResourceID())
}

func (c *Cluster) resourceInterface(gvr schema.GroupVersionResource, namespaced bool, res resource.Resource) dynamic.ResourceInterface {
	ns, _, _ := res.ResourceID().Components()
	nri := c.client.Resource(gvr)
	if namespaced {
		return nri.Namespace(ns)
	}
	return nri
}

func (c *Cluster) mapping(res resource.Resource) (schema.GroupVersionResource, bool, error) {
	obj := &unstructured.Unstructured{Object: res.Object()}
	gvk := obj.GroupVersionKind()
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return schema.GroupVersionResource{}, false, errors.Wrapf(err, "no REST mapping for %s", gvk)
	}
	return mapping.Resource, mapping.Scope.Name() == meta.RESTScopeNameNamespace, nil
}

// namespacedResources returns the GVRs of the server's preferred
// namespaced resources that support list.
func (c *Cluster) namespacedResources() ([]schema.GroupVersionResource, error) {
	lists, err := c.disco.ServerPreferredNamespacedResources()
	if err != nil {
		// Partial discovery is usable; aggregated APIs may be down.
		if !discovery.IsGroupDiscoveryFailedError(err) {
			return nil, errors.Wrap(err, "discovering server resources")
		}
		c.logger.Log("warning", "partial API discovery", "err", err)
	}
	var gvrs []schema.GroupVersionResource
	for _, list := range lists {
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, r := range list.APIResources {
			if !listable(r) {
				continue
			}
			gvrs = append(gvrs, gv.WithResource(r.Name))
		}
	}
	return gvrs, nil
}

func listable(r metav1.APIResource) bool {
	for _, v := range r.Verbs {
		if v == "list" {
			return true
		}
	}
	return false
}
