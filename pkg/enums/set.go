package enums

import (
	"fmt"
	"slices"
	"strings"
)

// set is the ordered list of values an enum accepts.
type set[T ~string] []T

func (s set[T]) has(v T) bool { return slices.Contains(s, v) }

func (s set[T]) values() []T { return slices.Clone(s) }

// parse trims and lowercases raw before matching.
func (s set[T]) parse(kind, raw string) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	if s.has(v) {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", kind, raw)
}
