package bplustree

import (
	"fmt"
	"math"
)

// Validate checks the structural invariants: strictly increasing keys in
// every node, node sizes within MaxKeys, children count of internal nodes,
// keys inside their separator bounds, uniform leaf depth, and a leaf chain
// that visits every leaf in order.
func (t *BPlusTree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validate()
}

func (t *BPlusTree) validate() error {
	leafDepth := -1
	var leaves []*node
	count := 0

	var check func(n *node, lo, hi int64, hasLo, hasHi bool, depth int) error
	check = func(n *node, lo, hi int64, hasLo, hasHi bool, depth int) error {
		if len(n.keys) > t.maxKeys {
			return fmt.Errorf("node at depth %d holds %d keys (max %d)", depth, len(n.keys), t.maxKeys)
		}
		for i, k := range n.keys {
			if i > 0 && n.keys[i-1] >= k {
				return fmt.Errorf("keys not strictly increasing at depth %d: %d then %d", depth, n.keys[i-1], k)
			}
			if hasLo && k < lo {
				return fmt.Errorf("key %d below lower bound %d", k, lo)
			}
			if hasHi && k >= hi {
				return fmt.Errorf("key %d not below upper bound %d", k, hi)
			}
		}

		if n.leaf {
			if len(n.values) != len(n.keys) {
				return fmt.Errorf("leaf has %d keys but %d values", len(n.keys), len(n.values))
			}
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return fmt.Errorf("leaves at depths %d and %d", leafDepth, depth)
			}
			leaves = append(leaves, n)
			count += len(n.keys)
			return nil
		}

		if len(n.children) != len(n.keys)+1 {
			return fmt.Errorf("internal node has %d keys but %d children", len(n.keys), len(n.children))
		}
		for i, c := range n.children {
			cLo, cHasLo := lo, hasLo
			cHi, cHasHi := hi, hasHi
			if i > 0 {
				cLo, cHasLo = n.keys[i-1], true
			}
			if i < len(n.keys) {
				cHi, cHasHi = n.keys[i], true
			}
			if err := check(c, cLo, cHi, cHasLo, cHasHi, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := check(t.root, math.MinInt64, math.MaxInt64, false, false, 0); err != nil {
		return err
	}

	for i, leaf := range leaves {
		var want *node
		if i+1 < len(leaves) {
			want = leaves[i+1]
		}
		if leaf.next != want {
			return fmt.Errorf("leaf chain broken after leaf %d", i)
		}
	}

	if count != t.size {
		return fmt.Errorf("tree reports %d entries but holds %d", t.size, count)
	}
	return nil
}
