package schema

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/dnswlt/cbcflow/internal/keypath"
)

// Delimiters of a merge conflict marker:
//
//	<<<<<<< base: <json> ||||||| ancestor: <json> ======= head: <json> >>>>>>>
const (
	MarkerStart    = "<<<<<<< base: "
	MarkerAncestor = " ||||||| ancestor: "
	MarkerHead     = " ======= head: "
	MarkerEnd      = " >>>>>>>"
)

var ErrConflictMarker = errors.New("unresolved merge conflict")

// IsConflictMarker reports whether v is a merge conflict marker string.
func IsConflictMarker(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, MarkerStart) && strings.HasSuffix(s, MarkerEnd) &&
		strings.Contains(s, MarkerAncestor) && strings.Contains(s, MarkerHead)
}

// findConflictMarker returns the path of the first conflict marker in v.
// Object keys are visited in sorted order.
func findConflictMarker(v any, p keypath.Path) (keypath.Path, bool) {
	switch x := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(x)) {
			if q, ok := findConflictMarker(x[k], p.Child(k)); ok {
				return q, true
			}
		}
	case []any:
		for _, e := range x {
			ep := p
			if m, ok := e.(map[string]any); ok && len(p) > 0 {
				if uid, ok := m[UIDField].(string); ok {
					ep = slices.Clone(p)
					ep[len(ep)-1].UID = uid
				}
			}
			if q, ok := findConflictMarker(e, ep); ok {
				return q, true
			}
		}
	default:
		return p, IsConflictMarker(x)
	}
	return nil, false
}
