package merkle

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRootIsZero(t *testing.T) {
	assert.Equal(t, ZeroHash, Root(nil))
	assert.Equal(t, ZeroHash, Root([]Hash{}))
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	leaf := Leaf("sword", "alice")
	assert.Equal(t, leaf, Root([]Hash{leaf}))
}

func TestLeafConstruction(t *testing.T) {
	// Leaf = SHA-256(SHA-256(item) || owner_bytes_32), recomputed by hand.
	itemHash := sha256.Sum256([]byte("sword"))
	ownerBytes := sha256.Sum256([]byte("alice")) // non-hex identity hashes

	buf := append(itemHash[:], ownerBytes[:]...)
	want := sha256.Sum256(buf)
	assert.Equal(t, Hash(want), Leaf("sword", "alice"))
}

func TestOwnerBytes32HexIdentityDecodesDirectly(t *testing.T) {
	hexOwner := "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
	got := OwnerBytes32(hexOwner)
	assert.Equal(t, byte(0xaa), got[0])
	assert.Equal(t, byte(0xee), got[31])

	// A 64-char string that is not valid hex falls back to hashing.
	notHex := "zz11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
	assert.Equal(t, [32]byte(sha256.Sum256([]byte(notHex))), OwnerBytes32(notHex))
}

func TestRootDependsOnOwners(t *testing.T) {
	a := Root(LeafSet(map[string]string{"sword": "alice", "shield": "bob"}))
	b := Root(LeafSet(map[string]string{"sword": "alice", "shield": "carol"}))
	assert.NotEqual(t, a, b)
}

func TestLeafSetDeterministicAcrossMapOrder(t *testing.T) {
	owners := map[string]string{"c": "w3", "a": "w1", "b": "w2", "d": "w4"}
	first := Root(LeafSet(owners))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Root(LeafSet(owners)))
	}
}

func TestNettedRootEqualsDirectRootOfFinalOwners(t *testing.T) {
	// Netting a chain and committing only the survivors must equal a root
	// built straight from the final-owner mapping.
	final := map[string]string{"sword": "carol"}
	viaLeafSet := Root(LeafSet(final))
	direct := Root([]Hash{Leaf("sword", "carol")})
	assert.Equal(t, direct, viaLeafSet)
}

func TestProveAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 64} {
		owners := make(map[string]string, n)
		for i := 0; i < n; i++ {
			owners[fmt.Sprintf("item-%03d", i)] = fmt.Sprintf("wallet-%d", i%7)
		}
		leaves := LeafSet(owners)
		root := Root(leaves)

		for idx := range leaves {
			proof, err := Prove(leaves, idx)
			require.NoError(t, err, "n=%d idx=%d", n, idx)
			assert.True(t, Verify(proof, root), "n=%d idx=%d", n, idx)
		}
	}
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	owners := map[string]string{"a": "w1", "b": "w2", "c": "w3"}
	leaves := LeafSet(owners)
	proof, err := Prove(leaves, 1)
	require.NoError(t, err)

	var bogus Hash
	bogus[0] = 0xff
	assert.False(t, Verify(proof, bogus))
}

func TestVerifyRejectsTamperedLeaf(t *testing.T) {
	owners := map[string]string{"a": "w1", "b": "w2", "c": "w3", "d": "w4"}
	leaves := LeafSet(owners)
	root := Root(leaves)

	proof, err := Prove(leaves, 2)
	require.NoError(t, err)

	proof.Leaf = Leaf("d", "mallory")
	assert.False(t, Verify(proof, root))
}

func TestProveItem(t *testing.T) {
	owners := map[string]string{"sword": "alice", "shield": "bob", "helm": "carol"}
	root := Root(LeafSet(owners))

	proof, err := ProveItem(owners, "shield")
	require.NoError(t, err)
	assert.Equal(t, Leaf("shield", "bob"), proof.Leaf)
	assert.True(t, Verify(proof, root))

	_, err = ProveItem(owners, "boots")
	assert.ErrorIs(t, err, ErrLeafNotFound)
}

func TestProveOutOfRange(t *testing.T) {
	leaves := LeafSet(map[string]string{"a": "w"})
	_, err := Prove(leaves, 1)
	assert.ErrorIs(t, err, ErrLeafNotFound)
	_, err = Prove(leaves, -1)
	assert.ErrorIs(t, err, ErrLeafNotFound)
}

func TestOddLayerDuplication(t *testing.T) {
	// Three leaves: the last is duplicated; proving it must still verify.
	owners := map[string]string{"a": "w1", "b": "w2", "c": "w3"}
	leaves := LeafSet(owners)
	require.Len(t, leaves, 3)

	root := Root(leaves)
	proof, err := Prove(leaves, 2)
	require.NoError(t, err)
	assert.True(t, Verify(proof, root))
}
