package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multidoc = `---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: vote
spec:
  replicas: 2
---
apiVersion: v1
kind: Service
metadata:
  name: vote
  namespace: other
`

func TestParseMultidoc(t *testing.T) {
	set, err := ParseMultidoc([]byte(multidoc), "templates/vote.yaml", "staging")
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	ids := set.IDs()
	assert.Equal(t, "staging:deployment/vote", ids[0].String())
	assert.Equal(t, "other:service/vote", ids[1].String())

	dep, ok := set.Get(MakeID("staging", "Deployment", "vote"))
	require.True(t, ok)
	assert.Equal(t, "templates/vote.yaml", dep.Source())
	assert.EqualValues(t, 2, dep.Field("spec.replicas"))
	assert.Nil(t, dep.Field("spec.not.there"))
}

func TestParseMultidocRejectsAnonymous(t *testing.T) {
	_, err := ParseMultidoc([]byte("kind: Deployment\nmetadata: {}\n"), "x.yaml", "ns")
	assert.Error(t, err)

	_, err = ParseMultidoc([]byte("metadata:\n  name: vote\n"), "x.yaml", "ns")
	assert.Error(t, err)
}

func TestIDText(t *testing.T) {
	id := MakeID("staging", "Deployment", "vote")
	text, err := id.MarshalText()
	require.NoError(t, err)
	var back ID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}

func TestSetOrderAndSorted(t *testing.T) {
	set := NewSet()
	b, _ := New(map[string]interface{}{
		"kind": "Service", "metadata": map[string]interface{}{"name": "b"},
	}, "b.yaml", "ns")
	a, _ := New(map[string]interface{}{
		"kind": "Service", "metadata": map[string]interface{}{"name": "a"},
	}, "a.yaml", "ns")
	set.Add(b)
	set.Add(a)

	assert.Equal(t, "ns:service/b", set.IDs()[0].String())
	assert.Equal(t, "ns:service/a", set.SortedIDs()[0].String())

	// re-adding replaces, not duplicates
	set.Add(a)
	assert.Equal(t, 2, set.Len())
}
