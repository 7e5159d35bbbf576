// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"fmt"
	"slices"
)

// InheritanceType decides how a document's ACL combines with the ACL it
// inherits from.
type InheritanceType int8

const (
	// LeafNode denies unless this ACL permits and marks the end of a chain.
	LeafNode InheritanceType = iota

	// AndBothPermit permits only when both this ACL and its parent permit.
	AndBothPermit

	// ChildOverrides lets this ACL's decision win over the parent's.
	ChildOverrides

	// ParentOverrides lets the parent's decision win over this ACL's.
	ParentOverrides
)

// String returns the wire token used in feeds and serve headers.
func (t InheritanceType) String() string {
	switch t {
	case LeafNode:
		return "leaf-node"
	case AndBothPermit:
		return "and-both-permit"
	case ChildOverrides:
		return "child-overrides"
	case ParentOverrides:
		return "parent-overrides"
	default:
		return "invalid"
	}
}

// ParseInheritanceType maps a wire token back to its InheritanceType.
func ParseInheritanceType(s string) (InheritanceType, error) {
	switch s {
	case "leaf-node":
		return LeafNode, nil
	case "and-both-permit":
		return AndBothPermit, nil
	case "child-overrides":
		return ChildOverrides, nil
	case "parent-overrides":
		return ParentOverrides, nil
	default:
		return LeafNode, fmt.Errorf("unknown inheritance type %q", s)
	}
}

// Acl is the access control list attached to a document or named resource.
// The zero value is the empty ACL.
type Acl struct {
	PermitUsers  []Principal
	DenyUsers    []Principal
	PermitGroups []Principal
	DenyGroups   []Principal

	// InheritFrom names the document or named resource whose ACL is this
	// ACL's parent. Empty means no inheritance.
	InheritFrom DocId

	// InheritFromFragment distinguishes multiple ACL anchors that share one
	// InheritFrom document.
	InheritFromFragment string

	// InheritanceType controls how this ACL combines with its parent.
	InheritanceType InheritanceType

	// EverythingCaseInsensitive marks all principals in this ACL for
	// case-insensitive matching on the appliance.
	EverythingCaseInsensitive bool
}

// IsEmpty reports whether the ACL carries no principals and no inheritance.
func (a *Acl) IsEmpty() bool {
	if a == nil {
		return true
	}
	return len(a.PermitUsers) == 0 &&
		len(a.DenyUsers) == 0 &&
		len(a.PermitGroups) == 0 &&
		len(a.DenyGroups) == 0 &&
		a.InheritFrom == ""
}

// Copy returns a deep copy of the ACL.
func (a *Acl) Copy() *Acl {
	if a == nil {
		return nil
	}
	na := *a
	na.PermitUsers = slices.Clone(a.PermitUsers)
	na.DenyUsers = slices.Clone(a.DenyUsers)
	na.PermitGroups = slices.Clone(a.PermitGroups)
	na.DenyGroups = slices.Clone(a.DenyGroups)
	return &na
}

// Normalize sorts and dedupes every principal list in place.
func (a *Acl) Normalize() {
	a.PermitUsers = normalizePrincipals(a.PermitUsers)
	a.DenyUsers = normalizePrincipals(a.DenyUsers)
	a.PermitGroups = normalizePrincipals(a.PermitGroups)
	a.DenyGroups = normalizePrincipals(a.DenyGroups)
}

// Equal reports whether two ACLs are equivalent, treating the principal
// lists as sets.
func (a *Acl) Equal(o *Acl) bool {
	if a == nil || o == nil {
		return a.IsEmpty() && o.IsEmpty()
	}
	switch {
	case a.InheritFrom != o.InheritFrom:
		return false
	case a.InheritFromFragment != o.InheritFromFragment:
		return false
	case a.InheritanceType != o.InheritanceType:
		return false
	case a.EverythingCaseInsensitive != o.EverythingCaseInsensitive:
		return false
	}
	return principalSetsEqual(a.PermitUsers, o.PermitUsers) &&
		principalSetsEqual(a.DenyUsers, o.DenyUsers) &&
		principalSetsEqual(a.PermitGroups, o.PermitGroups) &&
		principalSetsEqual(a.DenyGroups, o.DenyGroups)
}

// Validate returns an error if a principal appears in the wrong list or is
// malformed.
func (a *Acl) Validate() error {
	for _, p := range a.PermitUsers {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.IsGroup() {
			return fmt.Errorf("group %s listed in permit users", p)
		}
	}
	for _, p := range a.DenyUsers {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.IsGroup() {
			return fmt.Errorf("group %s listed in deny users", p)
		}
	}
	for _, p := range a.PermitGroups {
		if err := p.Validate(); err != nil {
			return err
		}
		if !p.IsGroup() {
			return fmt.Errorf("user %s listed in permit groups", p)
		}
	}
	for _, p := range a.DenyGroups {
		if err := p.Validate(); err != nil {
			return err
		}
		if !p.IsGroup() {
			return fmt.Errorf("user %s listed in deny groups", p)
		}
	}
	return nil
}

func normalizePrincipals(ps []Principal) []Principal {
	if len(ps) == 0 {
		return ps
	}
	out := slices.Clone(ps)
	SortPrincipals(out)
	return slices.Compact(out)
}

func principalSetsEqual(a, b []Principal) bool {
	return slices.Equal(normalizePrincipals(a), normalizePrincipals(b))
}
