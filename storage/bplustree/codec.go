package bplustree

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The on-disk form nests nodes as externally tagged variants:
//
//	{"max_keys":4,"root":{"Internal":{"keys":[30],"children":[{"Leaf":{...}},{"Leaf":{...}}]}}}
//
// Leaf links are not stored; they are rebuilt from the in-order leaf
// sequence when decoding.

type treeJSON struct {
	MaxKeys int       `json:"max_keys"`
	Root    *nodeJSON `json:"root"`
}

type nodeJSON struct {
	Leaf     *leafJSON     `json:"Leaf,omitempty"`
	Internal *internalJSON `json:"Internal,omitempty"`
}

type leafJSON struct {
	Keys   []int64  `json:"keys"`
	Values []uint32 `json:"values"`
}

type internalJSON struct {
	Keys     []int64     `json:"keys"`
	Children []*nodeJSON `json:"children"`
}

// MarshalJSON encodes the full node structure.
func (t *BPlusTree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return json.Marshal(treeJSON{
		MaxKeys: t.maxKeys,
		Root:    encodeNode(t.root),
	})
}

func encodeNode(n *node) *nodeJSON {
	if n.leaf {
		return &nodeJSON{Leaf: &leafJSON{
			Keys:   append([]int64{}, n.keys...),
			Values: append([]uint32{}, n.values...),
		}}
	}
	children := make([]*nodeJSON, len(n.children))
	for i, c := range n.children {
		children[i] = encodeNode(c)
	}
	return &nodeJSON{Internal: &internalJSON{
		Keys:     append([]int64{}, n.keys...),
		Children: children,
	}}
}

// UnmarshalJSON rebuilds the tree, relinks the leaves and validates the
// result. A tree that fails validation is rejected.
func (t *BPlusTree) UnmarshalJSON(data []byte) error {
	var tj treeJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}

	maxKeys := tj.MaxKeys
	if maxKeys == 0 {
		maxKeys = DefaultMaxKeys
	}
	if maxKeys < MinMaxKeys {
		return fmt.Errorf("invalid max_keys %d", tj.MaxKeys)
	}

	root := newLeaf()
	if tj.Root != nil {
		var err error
		if root, err = decodeNode(tj.Root); err != nil {
			return err
		}
	}

	decoded := &BPlusTree{root: root, maxKeys: maxKeys}
	decoded.size = linkLeaves(root)
	if err := decoded.validate(); err != nil {
		return fmt.Errorf("invalid index structure: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root, t.maxKeys, t.size = decoded.root, decoded.maxKeys, decoded.size
	return nil
}

func decodeNode(nj *nodeJSON) (*node, error) {
	switch {
	case nj.Leaf != nil && nj.Internal != nil:
		return nil, errors.New("node is tagged both Leaf and Internal")
	case nj.Leaf != nil:
		if len(nj.Leaf.Keys) != len(nj.Leaf.Values) {
			return nil, fmt.Errorf("leaf has %d keys but %d values", len(nj.Leaf.Keys), len(nj.Leaf.Values))
		}
		return &node{
			leaf:   true,
			keys:   append(make([]int64, 0, len(nj.Leaf.Keys)), nj.Leaf.Keys...),
			values: append(make([]uint32, 0, len(nj.Leaf.Values)), nj.Leaf.Values...),
		}, nil
	case nj.Internal != nil:
		if len(nj.Internal.Children) != len(nj.Internal.Keys)+1 {
			return nil, fmt.Errorf("internal node has %d keys but %d children",
				len(nj.Internal.Keys), len(nj.Internal.Children))
		}
		n := &node{
			keys:     append(make([]int64, 0, len(nj.Internal.Keys)), nj.Internal.Keys...),
			children: make([]*node, len(nj.Internal.Children)),
		}
		for i, c := range nj.Internal.Children {
			if c == nil {
				return nil, fmt.Errorf("internal node child %d is null", i)
			}
			child, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			n.children[i] = child
		}
		return n, nil
	default:
		return nil, errors.New("node is neither Leaf nor Internal")
	}
}

// linkLeaves chains the leaves left to right and returns the entry count.
func linkLeaves(root *node) int {
	var prev *node
	count := 0
	var walk func(n *node)
	walk = func(n *node) {
		if n.leaf {
			if prev != nil {
				prev.next = n
			}
			n.next = nil
			prev = n
			count += len(n.keys)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)
	return count
}
