// Package render turns a chart and an environment overlay into a
// concrete manifest set. Rendering is pure: same tree, same output, no
// side effects, and no I/O beyond reading the tree snapshot it is
// handed.
package render

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	gerrors "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/image"
	"github.com/gitopsd/gitopsd/pkg/resource"
	"github.com/gitopsd/gitopsd/pkg/store"
)

const (
	valuesFile   = "values.yaml"
	templatesDir = "templates"
)

// Renderer produces the desired manifest set for an application.
type Renderer interface {
	// Render reads the chart at chartPath and the overlay values at
	// overlayPath from the tree, and returns the manifests with the
	// merged values applied. overrides, if non-nil, take precedence
	// over both.
	Render(tree store.Tree, chartPath, overlayPath, namespace string, overrides map[string]interface{}) (*resource.Set, error)
}

// Chart renders charts of the shape
//
//	<chartPath>/values.yaml          shared defaults
//	<chartPath>/templates/*.yaml     manifests
//	<overlayPath>/values.yaml        environment-specific values
//
// Environment values are deep-merged over the chart defaults. Workload
// manifests then have their container images rewritten from the
// `images` value map, keyed by container name:
//
//	images:
//	  vote:
//	    repository: example/vote
//	    tag: 1.2.0
type Chart struct{}

func (Chart) Render(tree store.Tree, chartPath, overlayPath, namespace string, overrides map[string]interface{}) (*resource.Set, error) {
	values, err := mergedValues(tree, chartPath, overlayPath, overrides)
	if err != nil {
		return nil, err
	}

	paths, err := tree.Paths()
	if err != nil {
		return nil, gerrors.NewTransient(err, "listing the desired-state tree failed")
	}
	var templates []string
	prefix := path.Join(chartPath, templatesDir) + "/"
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) && (strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml")) {
			templates = append(templates, p)
		}
	}
	sort.Strings(templates)
	if len(templates) == 0 {
		return nil, renderError(errors.Errorf("chart %s has no templates", chartPath))
	}

	out := resource.NewSet()
	for _, p := range templates {
		data, err := tree.Read(p)
		if err != nil {
			return nil, gerrors.NewTransient(err, "reading a chart template failed")
		}
		set, err := resource.ParseMultidoc(data, p, namespace)
		if err != nil {
			return nil, renderError(err)
		}
		for _, id := range set.IDs() {
			res, _ := set.Get(id)
			if err := applyImages(res, values); err != nil {
				return nil, renderError(errors.Wrapf(err, "applying image values to %s", id))
			}
			out.Add(res)
		}
	}
	return out, nil
}

// Values returns the effective values for an application, without
// rendering the templates. The promotion agent uses this to learn the
// currently deployed tags.
func Values(tree store.Tree, chartPath, overlayPath string) (map[string]interface{}, error) {
	return mergedValues(tree, chartPath, overlayPath, nil)
}

func mergedValues(tree store.Tree, chartPath, overlayPath string, overrides map[string]interface{}) (map[string]interface{}, error) {
	defaults, err := readValues(tree, path.Join(chartPath, valuesFile), false)
	if err != nil {
		return nil, err
	}
	overlay, err := readValues(tree, path.Join(overlayPath, valuesFile), true)
	if err != nil {
		return nil, err
	}

	merged := map[string]interface{}{}
	if err := mergo.Merge(&merged, overlay, mergo.WithOverride); err != nil {
		return nil, renderError(err)
	}
	if err := mergo.Merge(&merged, defaults); err != nil {
		return nil, renderError(err)
	}
	if overrides != nil {
		if err := mergo.Merge(&merged, overrides, mergo.WithOverride); err != nil {
			return nil, renderError(err)
		}
	}
	return merged, nil
}

func readValues(tree store.Tree, p string, optional bool) (map[string]interface{}, error) {
	data, err := tree.Read(p)
	if err != nil {
		if optional && errors.Is(err, store.ErrFileNotFound) {
			return map[string]interface{}{}, nil
		}
		if errors.Is(err, store.ErrFileNotFound) {
			return nil, renderError(errors.Wrapf(err, "chart values missing"))
		}
		return nil, gerrors.NewTransient(err, "reading values failed")
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, renderError(errors.Wrapf(err, "parsing %s", p))
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	return values, nil
}

// applyImages rewrites the container images of a workload manifest from
// the `images` values map. Non-workload manifests (nothing at
// spec.template.spec.containers) pass through untouched.
func applyImages(res resource.Resource, values map[string]interface{}) error {
	images, _ := values["images"].(map[string]interface{})
	if images == nil {
		return nil
	}
	containers, _ := res.Field("spec.template.spec.containers").([]interface{})
	for _, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := container["name"].(string)
		entry, ok := images[name].(map[string]interface{})
		if !ok {
			continue
		}
		repository, _ := entry["repository"].(string)
		tag, ok := entry["tag"].(string)
		if !ok {
			// e.g., an unquoted numeric tag in YAML
			if v, isNum := entry["tag"].(float64); isNum {
				tag = strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
				ok = true
			}
		}
		if repository == "" || !ok {
			return errors.Errorf("image values for container %q need repository and tag", name)
		}
		ref, err := image.ParseRef(repository)
		if err != nil {
			return err
		}
		if ref.Tag != "" {
			return errors.Errorf("image repository %q must not carry a tag", repository)
		}
		container["image"] = ref.WithNewTag(tag).String()
	}
	return nil
}

func renderError(err error) error {
	return gerrors.NewRender(err, "the chart or overlay is malformed; fix it with a new commit to the desired-state source")
}
