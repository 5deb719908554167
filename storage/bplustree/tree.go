// Package bplustree implements an in-memory B+ tree mapping int64 keys to
// uint32 row identifiers. Leaves are linked left to right so that range
// scans and ordered iteration walk the leaf level instead of the whole tree.
package bplustree

import (
	"sort"
	"sync"
)

// B+ tree constants
const (
	DefaultMaxKeys = 4 // Max keys per node before it splits
	MinMaxKeys     = 3
)

// node is either a leaf (keys + values + next) or an internal node
// (keys + len(keys)+1 children).
type node struct {
	leaf     bool
	keys     []int64
	values   []uint32 // leaf only
	children []*node  // internal only
	next     *node    // leaf only, right sibling
}

func newLeaf() *node {
	return &node{leaf: true, keys: make([]int64, 0), values: make([]uint32, 0)}
}

// childIndex returns the child to follow for key: the position of the first
// separator strictly greater than key, or the last child.
func (n *node) childIndex(key int64) int {
	return sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
}

// searchLeaf returns the position of key (or where it would be inserted).
func (n *node) searchLeaf(key int64) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= key })
	return i, i < len(n.keys) && n.keys[i] == key
}

// BPlusTree is an ordered index of int64 keys to uint32 row IDs.
type BPlusTree struct {
	mu      sync.RWMutex
	root    *node
	maxKeys int
	size    int
}

// New creates an empty tree with DefaultMaxKeys.
func New() *BPlusTree {
	return NewWithMaxKeys(DefaultMaxKeys)
}

// NewWithMaxKeys creates an empty tree whose nodes split once they hold more
// than maxKeys keys. Values below MinMaxKeys are raised to MinMaxKeys.
func NewWithMaxKeys(maxKeys int) *BPlusTree {
	if maxKeys < MinMaxKeys {
		maxKeys = MinMaxKeys
	}
	return &BPlusTree{root: newLeaf(), maxKeys: maxKeys}
}

// MaxKeys returns the node fanout limit.
func (t *BPlusTree) MaxKeys() int {
	return t.maxKeys
}

// Len returns the number of entries.
func (t *BPlusTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// IsEmpty reports whether the tree holds no entries.
func (t *BPlusTree) IsEmpty() bool {
	return t.Len() == 0
}

// Insert adds key -> value. An existing key has its value overwritten.
func (t *BPlusTree) Insert(key int64, value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted, right, added := t.insert(t.root, key, value)
	if added {
		t.size++
	}
	if right != nil {
		t.root = &node{
			keys:     []int64{promoted},
			children: []*node{t.root, right},
		}
	}
}

// insert places key in the subtree rooted at n. When n splits, the new
// right sibling and the separator to promote are returned.
func (t *BPlusTree) insert(n *node, key int64, value uint32) (int64, *node, bool) {
	if n.leaf {
		i, found := n.searchLeaf(key)
		if found {
			n.values[i] = value
			return 0, nil, false
		}
		n.keys = append(n.keys, 0)
		n.values = append(n.values, 0)
		copy(n.keys[i+1:], n.keys[i:])
		copy(n.values[i+1:], n.values[i:])
		n.keys[i] = key
		n.values[i] = value

		if len(n.keys) > t.maxKeys {
			promoted, right := t.splitLeaf(n)
			return promoted, right, true
		}
		return 0, nil, true
	}

	i := n.childIndex(key)
	promoted, right, added := t.insert(n.children[i], key, value)
	if right == nil {
		return 0, nil, added
	}

	n.keys = append(n.keys, 0)
	n.children = append(n.children, nil)
	copy(n.keys[i+1:], n.keys[i:])
	copy(n.children[i+2:], n.children[i+1:])
	n.keys[i] = promoted
	n.children[i+1] = right

	if len(n.keys) > t.maxKeys {
		p, r := t.splitInternal(n)
		return p, r, added
	}
	return 0, nil, added
}

// splitLeaf keeps the first ceil(n/2) entries in n and moves the rest to a
// new right leaf, whose smallest key is promoted.
func (t *BPlusTree) splitLeaf(n *node) (int64, *node) {
	mid := (len(n.keys) + 1) / 2

	right := &node{
		leaf:   true,
		keys:   append(make([]int64, 0, t.maxKeys+1), n.keys[mid:]...),
		values: append(make([]uint32, 0, t.maxKeys+1), n.values[mid:]...),
		next:   n.next,
	}
	n.keys = n.keys[:mid:mid]
	n.values = n.values[:mid:mid]
	n.next = right

	return right.keys[0], right
}

// splitInternal moves the upper half of n into a new node. The middle
// separator moves up rather than being copied.
func (t *BPlusTree) splitInternal(n *node) (int64, *node) {
	mid := len(n.keys) / 2
	promoted := n.keys[mid]

	right := &node{
		keys:     append(make([]int64, 0, t.maxKeys+1), n.keys[mid+1:]...),
		children: append(make([]*node, 0, t.maxKeys+2), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid:mid]
	n.children = n.children[: mid+1 : mid+1]

	return promoted, right
}

// Search returns the value stored for key.
func (t *BPlusTree) Search(key int64) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf := t.findLeaf(key)
	if i, found := leaf.searchLeaf(key); found {
		return leaf.values[i], true
	}
	return 0, false
}

// Delete removes key. Nodes are not merged afterwards, so leaves may be left
// under-full or empty; separators remain valid bounds.
func (t *BPlusTree) Delete(key int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := t.findLeaf(key)
	i, found := leaf.searchLeaf(key)
	if !found {
		return false
	}
	leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
	leaf.values = append(leaf.values[:i], leaf.values[i+1:]...)
	t.size--
	return true
}

// RangeQuery returns the values of all keys k with start <= k < end, in key
// order. It descends once to the leaf holding start and then follows the
// leaf links.
func (t *BPlusTree) RangeQuery(start, end int64) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make([]uint32, 0)
	if start >= end {
		return results
	}

	leaf := t.findLeaf(start)
	i, _ := leaf.searchLeaf(start)
	for ; leaf != nil; leaf, i = leaf.next, 0 {
		for ; i < len(leaf.keys); i++ {
			if leaf.keys[i] >= end {
				return results
			}
			results = append(results, leaf.values[i])
		}
	}
	return results
}

// Keys returns every key in ascending order.
func (t *BPlusTree) Keys() []int64 {
	keys := make([]int64, 0, t.Len())
	t.Ascend(func(k int64, _ uint32) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Ascend calls fn for every entry in key order until fn returns false.
func (t *BPlusTree) Ascend(fn func(key int64, value uint32) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for leaf := t.leftmostLeaf(); leaf != nil; leaf = leaf.next {
		for i, k := range leaf.keys {
			if !fn(k, leaf.values[i]) {
				return
			}
		}
	}
}

// Min returns the smallest key.
func (t *BPlusTree) Min() (int64, bool) {
	var min int64
	found := false
	t.Ascend(func(k int64, _ uint32) bool {
		min, found = k, true
		return false
	})
	return min, found
}

// Max returns the largest key.
func (t *BPlusTree) Max() (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var max int64
	found := false
	for leaf := t.leftmostLeaf(); leaf != nil; leaf = leaf.next {
		if len(leaf.keys) > 0 {
			max, found = leaf.keys[len(leaf.keys)-1], true
		}
	}
	return max, found
}

// Height returns the number of levels, 1 for a single leaf.
func (t *BPlusTree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	height := 1
	for n := t.root; !n.leaf; n = n.children[0] {
		height++
	}
	return height
}

// IsLeafRoot reports whether the whole tree is still a single leaf.
func (t *BPlusTree) IsLeafRoot() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.leaf
}

func (t *BPlusTree) findLeaf(key int64) *node {
	n := t.root
	for !n.leaf {
		n = n.children[n.childIndex(key)]
	}
	return n
}

func (t *BPlusTree) leftmostLeaf() *node {
	n := t.root
	for !n.leaf {
		n = n.children[0]
	}
	return n
}
