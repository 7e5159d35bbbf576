// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultNamespace is the namespace principals belong to unless the adaptor
// assigns one explicitly.
const DefaultNamespace = "Default"

// PrincipalKind discriminates users from groups.
type PrincipalKind int8

const (
	KindUser PrincipalKind = iota
	KindGroup
)

// String returns the wire token used for the principal scope in feeds.
func (k PrincipalKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	default:
		return "invalid"
	}
}

// Principal identifies a user or group within a namespace. Comparison is
// case-sensitive; case handling is a property of the push, not the
// principal.
type Principal struct {
	Kind      PrincipalKind
	Name      string
	Namespace string
}

// NewUserPrincipal creates a user principal in the default namespace.
func NewUserPrincipal(name string) Principal {
	return Principal{Kind: KindUser, Name: name, Namespace: DefaultNamespace}
}

// NewGroupPrincipal creates a group principal in the default namespace.
func NewGroupPrincipal(name string) Principal {
	return Principal{Kind: KindGroup, Name: name, Namespace: DefaultNamespace}
}

// NewUserPrincipalWithNamespace creates a user principal in the given
// namespace.
func NewUserPrincipalWithNamespace(name, namespace string) Principal {
	return Principal{Kind: KindUser, Name: name, Namespace: namespace}
}

// NewGroupPrincipalWithNamespace creates a group principal in the given
// namespace.
func NewGroupPrincipalWithNamespace(name, namespace string) Principal {
	return Principal{Kind: KindGroup, Name: name, Namespace: namespace}
}

// IsGroup reports whether the principal names a group.
func (p Principal) IsGroup() bool {
	return p.Kind == KindGroup
}

// Validate returns an error if the principal cannot appear in a feed.
func (p Principal) Validate() error {
	if p.Name == "" {
		return errors.New("principal requires a name")
	}
	if p.Kind != KindUser && p.Kind != KindGroup {
		return fmt.Errorf("principal has invalid kind %d", p.Kind)
	}
	return nil
}

func (p Principal) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Kind, p.Namespace, p.Name)
}

// Compare orders principals by namespace, then kind (groups before users),
// then name. It returns -1, 0, or +1.
func (p Principal) Compare(o Principal) int {
	switch {
	case p.Namespace < o.Namespace:
		return -1
	case p.Namespace > o.Namespace:
		return 1
	}
	if p.Kind != o.Kind {
		if p.Kind == KindGroup {
			return -1
		}
		return 1
	}
	switch {
	case p.Name < o.Name:
		return -1
	case p.Name > o.Name:
		return 1
	}
	return 0
}

// SortPrincipals orders a slice of principals in place by namespace, kind,
// and name, giving feeds a deterministic layout.
func SortPrincipals(ps []Principal) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Compare(ps[j]) < 0
	})
}

// GroupDefinitions maps each group to its direct members. Nested membership
// is expressed by listing a group principal as a member.
type GroupDefinitions map[Principal][]Principal

// Validate returns an error if any group or member is malformed.
func (g GroupDefinitions) Validate() error {
	for group, members := range g {
		if err := group.Validate(); err != nil {
			return err
		}
		if !group.IsGroup() {
			return fmt.Errorf("definition key %s is not a group", group)
		}
		for _, m := range members {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("group %s: %w", group, err)
			}
		}
	}
	return nil
}

// SortedGroups returns the group principals in Compare order.
func (g GroupDefinitions) SortedGroups() []Principal {
	groups := make([]Principal, 0, len(g))
	for group := range g {
		groups = append(groups, group)
	}
	SortPrincipals(groups)
	return groups
}
