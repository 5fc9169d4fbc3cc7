// Package tree implements the replicated tree document: a node map
// backed by the crdt primitives, patch application, incremental deltas
// for broadcast and the snapshot codec used for sync and persistence.
package tree

import (
	"fmt"
	"sort"
)

// Reserved node field names with structural meaning. Everything else in
// a node value is an opaque last-writer-wins scalar.
const (
	FieldID       = "id"
	FieldTitle    = "title"
	FieldParent   = "parentId"
	FieldChildren = "children"
	FieldData     = "data"
	FieldYData    = "ydata"
)

// NodeValue is the wire form of one node in a patch: a bag of fields.
// A nil NodeValue inside a patch's NodeDict is the deletion marker for
// that node id (JSON `null` decodes to exactly that).
type NodeValue map[string]any

// Patch is a partial document update submitted by a writer. A patch
// with a nil NodeDict is a pure selection update and must not touch the
// node map.
type Patch struct {
	SelectedNode *string              `json:"selectedNode,omitempty" msgpack:"selectedNode,omitempty"`
	NodeDict     map[string]NodeValue `json:"nodeDict,omitempty" msgpack:"nodeDict,omitempty"`
}

// Validate checks a patch completely before anything is applied, so a
// malformed patch leaves the document untouched.
func (p Patch) Validate() error {
	for id, value := range p.NodeDict {
		if id == "" {
			return fmt.Errorf("patch: empty node id")
		}
		if value == nil {
			continue // deletion marker
		}
		if _, _, err := childIDs(value); err != nil {
			return fmt.Errorf("patch: node %q: %w", id, err)
		}
		if _, err := dataMap(value); err != nil {
			return fmt.Errorf("patch: node %q: %w", id, err)
		}
	}
	return nil
}

// nodeIDs returns the patched node ids in a stable order so that patch
// application (and the stamps it mints) is deterministic.
func (p Patch) nodeIDs() []string {
	ids := make([]string, 0, len(p.NodeDict))
	for id := range p.NodeDict {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// childIDs extracts and normalizes the children field of a node value.
// JSON decoding yields []any; msgpack may yield []any or []string.
func childIDs(value NodeValue) ([]string, bool, error) {
	raw, ok := value[FieldChildren]
	if !ok {
		return nil, false, nil
	}
	switch list := raw.(type) {
	case nil:
		return nil, false, nil
	case []string:
		return list, true, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			id, ok := item.(string)
			if !ok {
				return nil, false, fmt.Errorf("children must be node id strings, got %T", item)
			}
			out = append(out, id)
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("children must be a list, got %T", raw)
	}
}

// dataMap extracts the extension payload of a node value, accepting
// either of its historical names.
func dataMap(value NodeValue) (map[string]any, error) {
	for _, key := range []string{FieldData, FieldYData} {
		raw, ok := value[key]
		if !ok || raw == nil {
			continue
		}
		switch d := raw.(type) {
		case map[string]any:
			return d, nil
		case NodeValue:
			return d, nil
		default:
			return nil, fmt.Errorf("%s must be a map, got %T", key, raw)
		}
	}
	return nil, nil
}

// isScalarField reports whether a node-value key is stored as a plain
// last-writer-wins scalar (as opposed to the structural fields, which
// get their own replicated containers).
func isScalarField(key string) bool {
	switch key {
	case FieldChildren, FieldData, FieldYData:
		return false
	}
	return true
}
