package image

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testDomain = "index.docker.io"
	testImage  = "example/vote"
	testTag    = "1.2.0"
)

func TestParseRef(t *testing.T) {
	for _, tc := range []struct {
		input  string
		domain string
		image  string
		tag    string
	}{
		{"alpine", "", "alpine", ""},
		{"alpine:3.5", "", "alpine", "3.5"},
		{"library/alpine", "", "library/alpine", ""},
		{"example/vote:1.2.0", "", "example/vote", "1.2.0"},
		{"docker.io/example/vote:1.2.0", "docker.io", "example/vote", "1.2.0"},
		{"localhost:5000/path/to/repo:abc", "localhost:5000", "path/to/repo", "abc"},
		{"quay.io/example/result", "quay.io", "example/result", ""},
	} {
		ref, err := ParseRef(tc.input)
		assert.NoError(t, err, "parsing %q", tc.input)
		assert.Equal(t, tc.domain, ref.Domain)
		assert.Equal(t, tc.image, ref.Image)
		assert.Equal(t, tc.tag, ref.Tag)
		assert.Equal(t, tc.input, ref.String())
	}
}

func TestParseRefInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"/leading/slash",
		"trailing/slash/",
		"too:many:colons",
		"blank:",
		":blank",
	} {
		_, err := ParseRef(input)
		assert.Error(t, err, "parsing %q", input)
	}
}

func TestParseName(t *testing.T) {
	name, err := ParseName("docker.io/example/vote")
	assert.NoError(t, err)
	assert.Equal(t, "example/vote", name.Image)

	_, err = ParseName("docker.io/example/vote:1.2.0")
	assert.Error(t, err)
}

func TestCanonicalName(t *testing.T) {
	for _, tc := range []struct {
		input     string
		canonical string
	}{
		{"alpine", "index.docker.io/library/alpine"},
		{"docker.io/example/vote", "index.docker.io/example/vote"},
		{"quay.io/example/result", "quay.io/example/result"},
	} {
		name, err := ParseName(tc.input)
		assert.NoError(t, err)
		assert.Equal(t, tc.canonical, name.CanonicalName().String())
	}
}

func TestRefJSONRoundtrip(t *testing.T) {
	ref, err := ParseRef(fmt.Sprintf("%s/%s:%s", testDomain, testImage, testTag))
	assert.NoError(t, err)
	b, err := ref.MarshalJSON()
	assert.NoError(t, err)
	var back Ref
	assert.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, ref, back)
}

func TestNewerBySemver(t *testing.T) {
	assert.True(t, NewerBySemver("1.3.0", "1.2.1"))
	assert.True(t, NewerBySemver("2.0.0", "1.9.9"))
	assert.False(t, NewerBySemver("1.2.0", "1.2.1"))
	// explicit patch is considered newer than the shorthand
	assert.True(t, NewerBySemver("1.10.0", "1.10"))
	// unparseable tags sort after parseable ones
	assert.True(t, NewerBySemver("0.0.1", "not-a-version"))
	assert.False(t, NewerBySemver("not-a-version", "0.0.1"))
}
