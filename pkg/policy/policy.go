package policy

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"
)

const (
	semverPrefix = "semver:"
	globPrefix   = "glob:"

	latestStrategy = "latest"
)

var ErrInvalidStrategy = errors.New("invalid update strategy")

type kind int

const (
	kindLatest kind = iota
	kindSemverMajor
	kindSemverMinor
	kindSemverPatch
	kindSemverRange
	kindGlob
)

// Strategy decides which of an image repository's tags, if any, an
// application should be promoted to. The textual forms are:
//
//	latest          most recently pushed tag, irrespective of naming
//	semver:major    highest semantic version
//	semver:minor    highest semantic version within the deployed major
//	semver:patch    highest semantic version within the deployed major.minor
//	semver:<range>  highest semantic version satisfying the range
//	glob:<pattern>  most recently pushed tag matching the pattern
//
// Tags that fail to parse under the active strategy are excluded from
// candidacy, never treated as errors.
type Strategy struct {
	raw         string
	kind        kind
	constraints *semver.Constraints // kindSemverRange only
	pattern     string              // kindGlob only
}

// ParseStrategy validates a strategy string. An unrecognised or
// malformed strategy is an admission-time error: definitions carrying
// one are rejected, rather than failing at polling time.
func ParseStrategy(s string) (Strategy, error) {
	switch {
	case s == latestStrategy:
		return Strategy{raw: s, kind: kindLatest}, nil
	case strings.HasPrefix(s, semverPrefix):
		rest := strings.TrimPrefix(s, semverPrefix)
		switch rest {
		case "major":
			return Strategy{raw: s, kind: kindSemverMajor}, nil
		case "minor":
			return Strategy{raw: s, kind: kindSemverMinor}, nil
		case "patch":
			return Strategy{raw: s, kind: kindSemverPatch}, nil
		}
		c, err := semver.NewConstraint(rest)
		if err != nil {
			return Strategy{}, errors.Wrapf(ErrInvalidStrategy, "parsing %q", s)
		}
		return Strategy{raw: s, kind: kindSemverRange, constraints: c}, nil
	case strings.HasPrefix(s, globPrefix):
		pattern := strings.TrimPrefix(s, globPrefix)
		if pattern == "" {
			return Strategy{}, errors.Wrapf(ErrInvalidStrategy, "parsing %q", s)
		}
		return Strategy{raw: s, kind: kindGlob, pattern: pattern}, nil
	default:
		return Strategy{}, errors.Wrapf(ErrInvalidStrategy, "parsing %q", s)
	}
}

// MustParseStrategy is for tests and compiled-in defaults.
func MustParseStrategy(s string) Strategy {
	strategy, err := ParseStrategy(s)
	if err != nil {
		panic(err)
	}
	return strategy
}

func (s Strategy) String() string {
	return s.raw
}

// Candidate selects the best promotion target from the available tags,
// given the currently deployed tag. Tags are expected in discovery
// order, i.e., oldest push first. It returns false when no tag
// qualifies; a result equal to `current` means the deployment is up to
// date.
func (s Strategy) Candidate(current string, tags []string) (string, bool) {
	switch s.kind {
	case kindLatest:
		return latestPushed(tags, func(string) bool { return true })
	case kindGlob:
		return latestPushed(tags, func(tag string) bool {
			return glob.Glob(s.pattern, tag)
		})
	default:
		return s.semverCandidate(current, tags)
	}
}

// latestPushed returns the last matching tag in discovery order. The
// floating `latest` tag is skipped: it shadows whichever concrete tag
// it points at, and selecting it would make promotion a no-op forever.
func latestPushed(tags []string, matches func(string) bool) (string, bool) {
	for i := len(tags) - 1; i >= 0; i-- {
		if strings.EqualFold(tags[i], latestStrategy) {
			continue
		}
		if matches(tags[i]) {
			return tags[i], true
		}
	}
	return "", false
}

func (s Strategy) semverCandidate(current string, tags []string) (string, bool) {
	// A current tag that does not parse imposes no pin; the highest
	// eligible version wins.
	cur, curErr := semver.NewVersion(current)

	var candidates []*semver.Version
	byString := map[string]string{}
	for _, tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if !s.eligible(v, cur, curErr == nil) {
			continue
		}
		candidates = append(candidates, v)
		byString[v.Original()] = tag
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Sort(semver.Collection(candidates))
	best := candidates[len(candidates)-1]
	return byString[best.Original()], true
}

func (s Strategy) eligible(v, cur *semver.Version, pinned bool) bool {
	if s.kind == kindSemverRange {
		if !s.constraints.Check(v) {
			return false
		}
		return !pinned || v.GreaterThan(cur)
	}
	if !pinned {
		return true
	}
	// Promotion never moves backwards.
	if !v.GreaterThan(cur) {
		return false
	}
	switch s.kind {
	case kindSemverMinor:
		return v.Major() == cur.Major()
	case kindSemverPatch:
		return v.Major() == cur.Major() && v.Minor() == cur.Minor()
	default: // kindSemverMajor
		return true
	}
}

// MarshalText/UnmarshalText let strategies live in YAML and JSON
// application definitions as plain strings.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.raw), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
