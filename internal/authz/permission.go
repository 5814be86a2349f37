package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard grants every permission, or every action when used as the action part.
const Wildcard = "*"

// Permission is a pre-split permission string of the form resource:action.
type Permission struct {
	Resource string
	Action   string
}

// ParsePermission normalizes and splits a permission string. A bare "*" is
// the global wildcard; a bare resource name is rejected.
func ParsePermission(raw string) (Permission, error) {
	s := normalize(raw)
	if s == "" {
		return Permission{}, fmt.Errorf("%w: empty", ErrInvalidPermission)
	}
	if s == Wildcard {
		return Permission{Resource: Wildcard, Action: Wildcard}, nil
	}
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("%w: %q must be resource:action", ErrInvalidPermission, raw)
	}
	if resource == Wildcard {
		return Permission{}, fmt.Errorf("%w: %q wildcard resource needs no action", ErrInvalidPermission, raw)
	}
	return Permission{Resource: resource, Action: action}, nil
}

func (p Permission) String() string {
	if p.Resource == Wildcard {
		return Wildcard
	}
	return p.Resource + ":" + p.Action
}

// PermissionSet holds permission strings split once for repeated matching.
type PermissionSet struct {
	all       bool
	exact     map[string]struct{}
	resources map[string]struct{}
}

// NewPermissionSet builds a set from raw strings; malformed entries are
// skipped so a bad row can never widen access.
func NewPermissionSet(perms ...string) PermissionSet {
	set := PermissionSet{
		exact:     make(map[string]struct{}, len(perms)),
		resources: make(map[string]struct{}),
	}
	for _, raw := range perms {
		set.add(raw)
	}
	return set
}

func (s *PermissionSet) add(raw string) {
	p, err := ParsePermission(raw)
	if err != nil {
		return
	}
	if s.exact == nil {
		s.exact = make(map[string]struct{})
		s.resources = make(map[string]struct{})
	}
	switch {
	case p.Resource == Wildcard:
		s.all = true
	case p.Action == Wildcard:
		s.resources[p.Resource] = struct{}{}
	default:
		s.exact[p.String()] = struct{}{}
	}
}

// Grants reports whether action is covered by the global wildcard, a
// resource wildcard or an exact entry.
func (s PermissionSet) Grants(action string) bool {
	_, ok := s.match(action)
	return ok
}

// match returns the pattern that granted action.
func (s PermissionSet) match(action string) (string, bool) {
	action = normalize(action)
	if action == "" {
		return "", false
	}
	if _, ok := s.exact[action]; ok {
		return action, true
	}
	if resource, _, ok := strings.Cut(action, ":"); ok {
		if _, ok := s.resources[resource]; ok {
			return resource + ":*", true
		}
	}
	if s.all {
		return Wildcard, true
	}
	return "", false
}

// Len returns the number of distinct entries.
func (s PermissionSet) Len() int {
	n := len(s.exact) + len(s.resources)
	if s.all {
		n++
	}
	return n
}

// Strings returns the sorted permission strings in the set.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, s.Len())
	if s.all {
		out = append(out, Wildcard)
	}
	for r := range s.resources {
		out = append(out, r+":*")
	}
	for p := range s.exact {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
