package changelog

import (
	"fmt"
	"slices"

	"github.com/Dan9191/loans-finder/internal/store"
)

// Pattern is a structural predicate on a change record. Empty fields match
// anything; a record matches when every non-empty field matches.
type Pattern struct {
	// EventNames restricts the mutation kinds.
	EventNames []store.EventName
	// OldImage maps an attribute of the pre-image to its accepted values.
	OldImage map[string][]string
	// NewImage maps an attribute of the post-image to its accepted values.
	NewImage map[string][]string
}

// Match reports whether ch satisfies the pattern.
func (p Pattern) Match(ch store.Change) bool {
	if len(p.EventNames) > 0 && !slices.Contains(p.EventNames, ch.EventName) {
		return false
	}
	return matchImage(p.OldImage, ch.OldImage) && matchImage(p.NewImage, ch.NewImage)
}

func matchImage(want map[string][]string, image store.Item) bool {
	if len(want) == 0 {
		return true
	}
	if image == nil {
		return false
	}
	for attr, values := range want {
		v, ok := image[attr]
		if !ok {
			return false
		}
		if !slices.Contains(values, fmt.Sprint(v)) {
			return false
		}
	}
	return true
}

// MatchAny reports whether any pattern matches. No patterns match everything.
func MatchAny(patterns []Pattern, ch store.Change) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p.Match(ch) {
			return true
		}
	}
	return false
}

// EntityPatterns matches changes whose pre- or post-image has an entity
// discriminator in entities.
func EntityPatterns(entities ...string) []Pattern {
	return []Pattern{
		{NewImage: map[string][]string{store.AttrEntity: entities}},
		{OldImage: map[string][]string{store.AttrEntity: entities}},
	}
}

// RemovedEntityPatterns matches REMOVE events of the given entities.
func RemovedEntityPatterns(entities ...string) []Pattern {
	return []Pattern{{
		EventNames: []store.EventName{store.EventRemove},
		OldImage:   map[string][]string{store.AttrEntity: entities},
	}}
}
