package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dropgate/internal/merkle"
	"dropgate/internal/storage"
)

// CreateSnapshot builds the merkle tree for entries and returns every claim
// with its proof.
func CreateSnapshot(entries []merkle.Entry) (Snapshot, error) {
	tree, err := merkle.NewTree(entries)
	if err != nil {
		return Snapshot{}, err
	}
	claims := make([]SnapshotClaim, 0, len(entries))
	for _, e := range entries {
		proof, err := tree.Proof(e.Address)
		if err != nil {
			return Snapshot{}, err
		}
		claims = append(claims, SnapshotClaim{
			Address:      e.Address,
			MaxClaimable: Numberish(e.MaxClaimable.String()),
			Proof:        proof,
		})
	}
	return Snapshot{MerkleRoot: tree.Root(), Claims: claims}, nil
}

// Encode renders the snapshot as the JSON document stored off-chain.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Entries drops the proofs.
func (s Snapshot) Entries() []SnapshotEntry {
	out := make([]SnapshotEntry, 0, len(s.Claims))
	for _, c := range s.Claims {
		out = append(out, SnapshotEntry{Address: c.Address, MaxClaimable: maxClaimableOf(c).String()})
	}
	return out
}

// Find returns the claim for addr, or nil.
func (s Snapshot) Find(addr common.Address) *SnapshotClaim {
	for i := range s.Claims {
		if s.Claims[i].Address == addr {
			return &s.Claims[i]
		}
	}
	return nil
}

func maxClaimableOf(c SnapshotClaim) *big.Int {
	v, err := ParseQuantity(c.MaxClaimable, new(big.Int))
	if err != nil {
		return new(big.Int)
	}
	return v
}

// FetchSnapshot loads the snapshot committed to root, if the merkle map knows it.
func FetchSnapshot(ctx context.Context, st storage.Storage, merkleMap map[string]string, root common.Hash) (*Snapshot, error) {
	uri, ok := lookupRoot(merkleMap, root)
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := storage.FetchJSON(ctx, st, uri, &snap); err != nil {
		return nil, fmt.Errorf("snapshot for root %s: %w", root.Hex(), err)
	}
	if snap.MerkleRoot != root {
		return nil, fmt.Errorf("snapshot at %s commits to %s, expected %s", uri, snap.MerkleRoot.Hex(), root.Hex())
	}
	return &snap, nil
}

// ClaimerProof is what a claimer needs to pass the allowlist check.
type ClaimerProof struct {
	Proof        []common.Hash
	MaxClaimable *big.Int
}

// FetchClaimerProof returns nil when the root is unknown or addr is not listed.
func FetchClaimerProof(ctx context.Context, st storage.Storage, merkleMap map[string]string, root common.Hash, addr common.Address) (*ClaimerProof, error) {
	snap, err := FetchSnapshot(ctx, st, merkleMap, root)
	if err != nil || snap == nil {
		return nil, err
	}
	c := snap.Find(addr)
	if c == nil {
		return nil, nil
	}
	return &ClaimerProof{Proof: c.Proof, MaxClaimable: maxClaimableOf(*c)}, nil
}
