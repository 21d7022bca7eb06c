// Package validate provides input validation shared by the HTTP surface and
// the services.
package validate

import (
	"fmt"
	"regexp"

	"github.com/tidemarklabs/recalld/internal/errs"
)

var (
	// projectNamePattern scopes every collection and memory.
	projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

	// collectionNamePattern allows the project charset up to 100 characters.
	collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
)

// ProjectName validates a project namespace.
func ProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return errs.Validation("invalid project name", map[string]any{
			"projectName": fmt.Sprintf("must match [A-Za-z0-9_-]{1,50}, got %q", name),
		})
	}
	return nil
}

// CollectionName validates a collection name.
func CollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errs.Validation("invalid collection name", map[string]any{
			"collection": fmt.Sprintf("must match [A-Za-z0-9_-]{1,100}, got %q", name),
		})
	}
	return nil
}

// Limit validates a result limit, applying def when limit is zero.
func Limit(limit, def int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 1 || limit > 100 {
		return 0, errs.Validation("invalid limit", map[string]any{
			"limit": fmt.Sprintf("must be in [1, 100], got %d", limit),
		})
	}
	return limit, nil
}

// Weight validates a fusion weight, applying def when w is nil.
func Weight(w *float64, def float64) (float64, error) {
	if w == nil {
		return def, nil
	}
	if *w < 0 || *w > 1 {
		return 0, errs.Validation("invalid semantic weight", map[string]any{
			"semanticWeight": fmt.Sprintf("must be in [0, 1], got %g", *w),
		})
	}
	return *w, nil
}

// ClusterThreshold validates a clustering similarity threshold, applying def
// when t is nil.
func ClusterThreshold(t *float64, def float64) (float64, error) {
	if t == nil {
		return def, nil
	}
	if *t < 0.5 || *t > 1 {
		return 0, errs.Validation("invalid threshold", map[string]any{
			"threshold": fmt.Sprintf("must be in [0.5, 1], got %g", *t),
		})
	}
	return *t, nil
}

// OneOf validates that value is a member of allowed. Empty value passes when
// optional is true.
func OneOf(field, value string, optional bool, allowed ...string) error {
	if value == "" && optional {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errs.Validation("invalid enum value", map[string]any{
		field: fmt.Sprintf("must be one of %v, got %q", allowed, value),
	})
}

// Required validates that a string field is non-empty.
func Required(field, value string) error {
	if value == "" {
		return errs.Validation("missing required field", map[string]any{
			field: "is required",
		})
	}
	return nil
}
