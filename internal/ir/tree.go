package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Tree is a page configuration: a forest of slot nodes whose top-level
// order is Root and whose children are ordered by each node's Order list.
type Tree struct {
	Root  []string `json:"root"`
	Nodes []Node   `json:"nodes"`
}

// Node is one slot of a configuration tree.
// An empty ParentID means the node hangs off Root.
type Node struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id,omitempty"`
	Type     string   `json:"type,omitempty"`
	Order    []string `json:"order,omitempty"`
	Props    Object   `json:"props,omitempty"`
}

// ParseTree decodes a JSON configuration tree. Unknown fields are rejected
// so that a mistyped key never silently drops part of a layout.
func ParseTree(data []byte) (Tree, error) {
	var t Tree
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return Tree{}, NewInvalidTreeError(fmt.Sprintf("decode tree: %v", err))
	}
	return t, nil
}

// Canonical returns the RFC 8785 encoding of the tree.
func (t Tree) Canonical() ([]byte, error) {
	if t.Root == nil {
		t.Root = []string{}
	}
	if t.Nodes == nil {
		t.Nodes = []Node{}
	}
	return marshalStruct(t)
}

// Equal reports whether two trees are deep-equal.
func (t Tree) Equal(other Tree) bool {
	a, errA := t.Canonical()
	b, errB := other.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	out := Tree{Root: append([]string(nil), t.Root...)}
	if t.Nodes != nil {
		out.Nodes = make([]Node, len(t.Nodes))
		for i, n := range t.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	out.Order = append([]string(nil), n.Order...)
	if n.Props != nil {
		out.Props = cloneValue(n.Props).(Object)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Index maps node ids to their position in Nodes.
func (t Tree) Index() map[string]int {
	idx := make(map[string]int, len(t.Nodes))
	for i, n := range t.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// Validate checks the structural invariants of a configuration tree:
//   - node ids are non-empty and unique
//   - every ParentID resolves to a node or is empty
//   - every order list (Root included) names each of its children exactly
//     once and nothing else
//   - the parent relation has no cycles
//
// All problems are collected; the returned error is an INVALID_TREE *Error.
func (t Tree) Validate() error {
	var problems []string

	idx := make(map[string]int, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: id is required", i))
			continue
		}
		if _, dup := idx[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("node %q: duplicate id", n.ID))
			continue
		}
		idx[n.ID] = i
	}

	children := make(map[string][]string) // parent id ("" = root) -> child ids
	for _, n := range t.Nodes {
		if n.ID == "" {
			continue
		}
		if n.ParentID != "" {
			if _, ok := idx[n.ParentID]; !ok {
				problems = append(problems, fmt.Sprintf("node %q: parent %q does not exist", n.ID, n.ParentID))
				continue
			}
		}
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}

	problems = append(problems, checkOrder("root", t.Root, "", idx, t.Nodes, children[""])...)
	for _, n := range t.Nodes {
		if n.ID == "" {
			continue
		}
		problems = append(problems, checkOrder(fmt.Sprintf("node %q order", n.ID), n.Order, n.ID, idx, t.Nodes, children[n.ID])...)
	}

	for _, n := range t.Nodes {
		if n.ID == "" {
			continue
		}
		if hasParentCycle(n.ID, t.Nodes, idx) {
			problems = append(problems, fmt.Sprintf("node %q: parent chain forms a cycle", n.ID))
		}
	}

	if len(problems) > 0 {
		err := NewInvalidTreeError(strings.Join(problems, "; "))
		err.Details = map[string]string{"problems": fmt.Sprintf("%d", len(problems))}
		return err
	}
	return nil
}

// checkOrder verifies that an order list is exactly a permutation of the
// parent's children.
func checkOrder(label string, order []string, parentID string, idx map[string]int, nodes []Node, kids []string) []string {
	var problems []string
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			problems = append(problems, fmt.Sprintf("%s: %q listed twice", label, id))
			continue
		}
		seen[id] = true
		i, ok := idx[id]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: %q does not exist", label, id))
			continue
		}
		if nodes[i].ParentID != parentID {
			problems = append(problems, fmt.Sprintf("%s: %q belongs to parent %q", label, id, nodes[i].ParentID))
		}
	}
	for _, kid := range kids {
		if !seen[kid] {
			problems = append(problems, fmt.Sprintf("%s: child %q is missing", label, kid))
		}
	}
	return problems
}

func hasParentCycle(start string, nodes []Node, idx map[string]int) bool {
	visited := map[string]bool{start: true}
	cur := nodes[idx[start]].ParentID
	for cur != "" {
		if visited[cur] {
			return true
		}
		visited[cur] = true
		i, ok := idx[cur]
		if !ok {
			return false
		}
		cur = nodes[i].ParentID
	}
	return false
}
