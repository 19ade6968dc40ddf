package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

var ErrInvalidResource = errors.New("invalid resource document")

// ID identifies a rendered resource within a cluster: kind, namespace
// and name. It is written `<namespace>:<kind>/<name>`, following the
// convention that kinds are lowercased for the purpose of identity.
type ID struct {
	namespace, kind, name string
}

func MakeID(namespace, kind, name string) ID {
	return ID{namespace, strings.ToLower(kind), name}
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%s/%s", id.namespace, id.kind, id.name)
}

// Components returns the constituent components of an ID.
func (id ID) Components() (namespace, kind, name string) {
	return id.namespace, id.kind, id.name
}

// MarshalText encodes an ID as a flat string; this is required because
// IDs are used as map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	s := string(text)
	colon := strings.Index(s, ":")
	slash := strings.Index(s, "/")
	if colon < 0 || slash < colon {
		return errors.Errorf("malformed resource ID %q", s)
	}
	*id = ID{s[:colon], s[colon+1 : slash], s[slash+1:]}
	return nil
}

// Resource is one rendered (or observed) manifest object. Identity is
// the ID; content comparison goes through the canonical JSON encoding,
// so map ordering in the source document does not matter.
type Resource struct {
	id     ID
	source string // where the definition came from, e.g., a file path
	body   map[string]interface{}
}

// New wraps an already-parsed object as a Resource. The object must
// carry apiVersion, kind and metadata.name; a missing namespace is
// filled from fallbackNamespace.
func New(body map[string]interface{}, source, fallbackNamespace string) (Resource, error) {
	kind, _ := body["kind"].(string)
	if kind == "" {
		return Resource{}, errors.Wrapf(ErrInvalidResource, "missing kind in %s", source)
	}
	meta, _ := body["metadata"].(map[string]interface{})
	if meta == nil {
		return Resource{}, errors.Wrapf(ErrInvalidResource, "missing metadata in %s", source)
	}
	name, _ := meta["name"].(string)
	if name == "" {
		return Resource{}, errors.Wrapf(ErrInvalidResource, "missing metadata.name in %s", source)
	}
	namespace, _ := meta["namespace"].(string)
	if namespace == "" {
		namespace = fallbackNamespace
		meta["namespace"] = namespace
	}
	return Resource{
		id:     MakeID(namespace, kind, name),
		source: source,
		body:   body,
	}, nil
}

func (r Resource) ResourceID() ID { return r.id }

func (r Resource) Source() string { return r.source }

// Object returns the underlying object. Callers must treat it as
// read-only; manifest sets are produced fresh each render, never
// mutated in place.
func (r Resource) Object() map[string]interface{} { return r.body }

// JSON gives a canonical JSON encoding, suitable for structural
// comparison (JSON marshalling sorts map keys).
func (r Resource) JSON() ([]byte, error) {
	return json.Marshal(r.body)
}

// Field digs a dotted path out of the object, e.g.,
// `spec.template.spec`. It returns nil if any step is missing.
func (r Resource) Field(path string) interface{} {
	var cur interface{} = r.body
	for _, step := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[step]
	}
	return cur
}

// Set is a collection of resources keyed by ID, retaining the order in
// which they were added. Rendered manifest sets and observed cluster
// state both take this form.
type Set struct {
	order     []ID
	resources map[ID]Resource
}

func NewSet() *Set {
	return &Set{resources: map[ID]Resource{}}
}

func (s *Set) Add(r Resource) {
	if _, ok := s.resources[r.id]; !ok {
		s.order = append(s.order, r.id)
	}
	s.resources[r.id] = r
}

func (s *Set) Get(id ID) (Resource, bool) {
	r, ok := s.resources[id]
	return r, ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns the member IDs in insertion order.
func (s *Set) IDs() []ID {
	if s == nil {
		return nil
	}
	ids := make([]ID, len(s.order))
	copy(ids, s.order)
	return ids
}

// SortedIDs returns the member IDs in lexical order, for stable
// reporting.
func (s *Set) SortedIDs() []ID {
	ids := s.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ParseMultidoc parses a multi-document YAML stream into resources,
// in document order. Empty documents are skipped.
func ParseMultidoc(docs []byte, source, fallbackNamespace string) (*Set, error) {
	set := NewSet()
	for i, doc := range bytes.Split(docs, []byte("\n---")) {
		trimmed := bytes.TrimSpace(bytes.TrimPrefix(doc, []byte("---")))
		if len(trimmed) == 0 {
			continue
		}
		var body map[string]interface{}
		if err := yaml.Unmarshal(trimmed, &body); err != nil {
			return nil, errors.Wrapf(err, "parsing document %d of %s", i, source)
		}
		if body == nil {
			continue
		}
		res, err := New(body, source, fallbackNamespace)
		if err != nil {
			return nil, err
		}
		set.Add(res)
	}
	return set, nil
}
