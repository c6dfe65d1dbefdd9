package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
)

// ErrEmptyTree is returned when a tree is requested over no entries.
var ErrEmptyTree = errors.New("merkle tree needs at least one entry")

// ErrNotInTree is returned when a proof is requested for an address the tree does not contain.
var ErrNotInTree = errors.New("address is not part of the merkle tree")

// DuplicateLeafsError reports an address listed more than once.
type DuplicateLeafsError struct {
	Address common.Address
}

func (e *DuplicateLeafsError) Error() string {
	return fmt.Sprintf("duplicate address in snapshot: %s", e.Address.Hex())
}

// Entry is one allowlist leaf.
type Entry struct {
	Address      common.Address
	MaxClaimable *big.Int
}

// sortedKeccak hashes a single input as keccak256 and a pair with the
// smaller hash first, which is what OpenZeppelin's MerkleProof expects.
type sortedKeccak struct {
	inner *keccak256.Keccak256
}

func (h sortedKeccak) Hash(data ...[]byte) []byte {
	if len(data) == 2 && bytes.Compare(data[0], data[1]) > 0 {
		data = [][]byte{data[1], data[0]}
	}
	return h.inner.Hash(data...)
}

func (h sortedKeccak) HashLength() int { return h.inner.HashLength() }

func (h sortedKeccak) HashName() string { return "sorted-keccak256" }

// LeafData is abi.encodePacked(address, uint256).
func LeafData(addr common.Address, maxClaimable *big.Int) []byte {
	amount := maxClaimable
	if amount == nil {
		amount = new(big.Int)
	}
	out := make([]byte, 0, common.AddressLength+32)
	out = append(out, addr.Bytes()...)
	return append(out, math.U256Bytes(new(big.Int).Set(amount))...)
}

// LeafHash is the on-chain leaf for an allowlist entry.
func LeafHash(addr common.Address, maxClaimable *big.Int) common.Hash {
	return crypto.Keccak256Hash(LeafData(addr, maxClaimable))
}

// Tree is an allowlist merkle tree with sorted-pair hashing.
type Tree struct {
	tree    *merkletree.MerkleTree
	entries []Entry
	index   map[common.Address]int
}

// NewTree builds a tree over entries in the given order.
func NewTree(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTree
	}
	index := make(map[common.Address]int, len(entries))
	data := make([][]byte, 0, len(entries))
	for i, e := range entries {
		if _, dup := index[e.Address]; dup {
			return nil, &DuplicateLeafsError{Address: e.Address}
		}
		index[e.Address] = i
		data = append(data, LeafData(e.Address, e.MaxClaimable))
	}

	tree, err := merkletree.NewTree(
		merkletree.WithData(data),
		merkletree.WithHashType(sortedKeccak{inner: keccak256.New()}),
	)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}
	return &Tree{tree: tree, entries: entries, index: index}, nil
}

func (t *Tree) Root() common.Hash {
	return common.BytesToHash(t.tree.Root())
}

func (t *Tree) Entries() []Entry {
	return t.entries
}

// Proof returns the sibling hashes for addr, bottom-up.
func (t *Tree) Proof(addr common.Address) ([]common.Hash, error) {
	i, ok := t.index[addr]
	if !ok {
		return nil, ErrNotInTree
	}
	proof, err := t.tree.GenerateProofWithIndex(uint64(i), 0)
	if err != nil {
		return nil, fmt.Errorf("generate proof for %s: %w", addr.Hex(), err)
	}
	out := make([]common.Hash, len(proof.Hashes))
	for j, h := range proof.Hashes {
		out[j] = common.BytesToHash(h)
	}
	return out, nil
}

// Verify folds proof onto leaf with sorted-pair hashing and compares the result to root.
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		if bytes.Compare(computed[:], sibling[:]) <= 0 {
			computed = crypto.Keccak256Hash(computed[:], sibling[:])
		} else {
			computed = crypto.Keccak256Hash(sibling[:], computed[:])
		}
	}
	return computed == root
}

// ParseRoot accepts a 0x-prefixed 32 byte hex string. Empty input is the zero root.
func ParseRoot(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Hash{}, nil
	}
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid merkle root %q", s)
	}
	return common.BytesToHash(raw), nil
}
