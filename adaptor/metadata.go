// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"errors"
	"slices"
	"sort"
)

// Metadata is the external metadata attached to a document: a multimap of
// keys to lists of values. Iteration order is deterministic, keys ascending
// and values in the order they were added within a key.
type Metadata struct {
	entries map[string][]string
}

// MetadataEntry is a single key/value pair of a document's metadata.
type MetadataEntry struct {
	Key   string
	Value string
}

// NewMetadata creates an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{entries: make(map[string][]string)}
}

// Add inserts a key/value pair. Repeated pairs are kept; the appliance sees
// every value. The empty key is rejected; empty values are allowed.
func (m *Metadata) Add(key, value string) error {
	if key == "" {
		return errors.New("metadata key must not be empty")
	}
	m.entries[key] = append(m.entries[key], value)
	return nil
}

// Apply adds every pair of kv. It is a convenience for adaptors building
// metadata from maps.
func (m *Metadata) Apply(kv map[string]string) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.Add(k, kv[k]); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether no pairs have been added.
func (m *Metadata) IsEmpty() bool {
	return m == nil || len(m.entries) == 0
}

// Keys returns the metadata keys in ascending order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values recorded for key, oldest first.
func (m *Metadata) Values(key string) []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.entries[key])
}

// Entries returns every pair, keys ascending and values in the order they
// were added.
func (m *Metadata) Entries() []MetadataEntry {
	if m == nil {
		return nil
	}
	out := make([]MetadataEntry, 0, len(m.entries))
	for _, key := range m.Keys() {
		for _, value := range m.entries[key] {
			out = append(out, MetadataEntry{Key: key, Value: value})
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	nm := NewMetadata()
	for k, values := range m.entries {
		nm.entries[k] = slices.Clone(values)
	}
	return nm
}

// Equal reports whether two metadata carry the same pairs in the same
// order. A nil Metadata equals an empty one.
func (m *Metadata) Equal(o *Metadata) bool {
	if m.IsEmpty() || o.IsEmpty() {
		return m.IsEmpty() && o.IsEmpty()
	}
	if len(m.entries) != len(o.entries) {
		return false
	}
	for k, values := range m.entries {
		if !slices.Equal(values, o.entries[k]) {
			return false
		}
	}
	return true
}
