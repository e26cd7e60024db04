// Package merkle builds the keccak256 equity tree whose root is attested
// on-chain. Interior nodes hash their children in sorted order, so a proof
// is just the sibling path with no index bits, matching the typical
// OpenZeppelin MerkleProof verifier on the contract side.
package merkle

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrEmptyTree = errors.New("merkle tree has no leaves")

// Leaf is one {user, equity} pair included in a snapshot.
type Leaf struct {
	User   common.Address `json:"user"`
	Equity int64          `json:"equity"` // quote scale, never negative in a snapshot
}

// Hash encodes the leaf as keccak256(address ++ uint256(equity)).
func (l Leaf) Hash() common.Hash {
	buf := make([]byte, 0, 20+32)
	buf = append(buf, l.User.Bytes()...)
	equity := new(big.Int).SetInt64(l.Equity)
	buf = append(buf, common.LeftPadBytes(equity.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// Proof carries everything needed to verify one leaf against a root.
type Proof struct {
	Leaf     Leaf          `json:"leaf"`
	Siblings []common.Hash `json:"siblings"`
	Root     common.Hash   `json:"root"`
}

// Tree is an immutable sorted-pair keccak tree.
type Tree struct {
	leaves []Leaf
	levels [][]common.Hash // levels[0] = leaf hashes, last level = [root]
	index  map[common.Address]int
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Build constructs a tree over the given leaves. Leaves are sorted by
// address first so an identical ledger always yields an identical root.
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].User.Bytes(), sorted[j].User.Bytes()) < 0
	})

	level := make([]common.Hash, len(sorted))
	index := make(map[common.Address]int, len(sorted))
	for i, l := range sorted {
		level[i] = l.Hash()
		index[l.User] = i
	}

	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node promotes unchanged.
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{leaves: sorted, levels: levels, index: index}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.leaves)
}

// ProofFor returns the inclusion proof for a user, or false when the user
// is not in the tree.
func (t *Tree) ProofFor(user common.Address) (Proof, bool) {
	idx, ok := t.index[user]
	if !ok {
		return Proof{}, false
	}

	proof := Proof{Leaf: t.leaves[idx], Root: t.Root()}
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof.Siblings = append(proof.Siblings, level[sibling])
		}
		pos /= 2
	}
	return proof, true
}

// Verify recomputes the root from the proof's leaf and sibling path.
func Verify(p Proof) bool {
	h := p.Leaf.Hash()
	for _, sibling := range p.Siblings {
		h = hashPair(h, sibling)
	}
	return h == p.Root
}
