package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

// Hash is a 256-bit node hash.
type Hash [32]byte

// ZeroHash is the root of an empty leaf set.
var ZeroHash Hash

var ErrLeafNotFound = errors.New("leaf not found in batch leaf set")

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// OwnerBytes32 converts an owner identity to the fixed 32 bytes committed in
// a leaf. A 64-character hex identity (an Ed25519 public key) decodes
// directly; anything else is hashed to 32 bytes.
func OwnerBytes32(owner string) [32]byte {
	var out [32]byte
	if len(owner) == 64 {
		if raw, err := hex.DecodeString(owner); err == nil {
			copy(out[:], raw)
			return out
		}
	}
	return sha256.Sum256([]byte(owner))
}

// Leaf computes the leaf hash for one (item, owner) pair:
// SHA-256(SHA-256(item) || owner_bytes_32).
func Leaf(item, owner string) Hash {
	itemHash := sha256.Sum256([]byte(item))
	ownerBytes := OwnerBytes32(owner)

	buf := make([]byte, 0, 64)
	buf = append(buf, itemHash[:]...)
	buf = append(buf, ownerBytes[:]...)
	return sha256.Sum256(buf)
}

// LeafSet builds the deterministic, item-sorted leaf list for a final-owner
// map. Items are sorted lexicographically so every node computes the same
// tree for the same map.
func LeafSet(finalOwners map[string]string) []Hash {
	items := make([]string, 0, len(finalOwners))
	for item := range finalOwners {
		items = append(items, item)
	}
	sort.Strings(items)

	leaves := make([]Hash, len(items))
	for i, item := range items {
		leaves[i] = Leaf(item, finalOwners[item])
	}
	return leaves
}

// parent hashes two child nodes in canonical (lexicographic) order, so the
// tree shape cannot influence the committed root.
func parent(a, b Hash) Hash {
	buf := make([]byte, 0, 64)
	if bytes.Compare(a[:], b[:]) <= 0 {
		buf = append(buf, a[:]...)
		buf = append(buf, b[:]...)
	} else {
		buf = append(buf, b[:]...)
		buf = append(buf, a[:]...)
	}
	return sha256.Sum256(buf)
}

// Root computes the Merkle root over leaves. Leaves are already hashed and
// are not re-hashed at the bottom layer. Odd layers duplicate their last
// node. An empty set commits to 32 zero bytes.
func Root(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return ZeroHash
	}

	layer := make([]Hash, len(leaves))
	copy(layer, leaves)

	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]Hash, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next = append(next, parent(layer[i], layer[i+1]))
		}
		layer = next
	}
	return layer[0]
}

// Proof is the sibling path from a leaf to the root. Because parents hash
// children in canonical order, the path carries no left/right positions.
type Proof struct {
	Leaf     Hash   `json:"leaf"`
	Siblings []Hash `json:"siblings"`
}

// Prove builds the inclusion proof for the leaf at index idx.
func Prove(leaves []Hash, idx int) (*Proof, error) {
	if idx < 0 || idx >= len(leaves) {
		return nil, ErrLeafNotFound
	}

	proof := &Proof{Leaf: leaves[idx]}

	layer := make([]Hash, len(leaves))
	copy(layer, leaves)
	pos := idx

	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}

		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, layer[sibling])

		next := make([]Hash, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next = append(next, parent(layer[i], layer[i+1]))
		}
		layer = next
		pos /= 2
	}

	return proof, nil
}

// Verify checks a proof against a root.
func Verify(proof *Proof, root Hash) bool {
	node := proof.Leaf
	for _, sib := range proof.Siblings {
		node = parent(node, sib)
	}
	return node == root
}

// ProveItem locates the leaf for item in a final-owner map and proves it.
func ProveItem(finalOwners map[string]string, item string) (*Proof, error) {
	owner, ok := finalOwners[item]
	if !ok {
		return nil, ErrLeafNotFound
	}

	leaves := LeafSet(finalOwners)
	target := Leaf(item, owner)
	for i, l := range leaves {
		if l == target {
			return Prove(leaves, i)
		}
	}
	return nil, ErrLeafNotFound
}
