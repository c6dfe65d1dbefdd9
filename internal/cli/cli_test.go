package cli

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropgate/internal/claim"
	"dropgate/internal/merkle"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := Cmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeList(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSnapshotCreateFromText(t *testing.T) {
	path := writeList(t, "# drop 1\n"+alice.Hex()+"\n"+bob.Hex()+", 2\n")
	out, err := run(t, "snapshot", "create", path)
	require.NoError(t, err)

	var snap claim.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Claims, 2)

	want, err := claim.CreateSnapshot([]merkle.Entry{
		{Address: alice, MaxClaimable: big.NewInt(0)},
		{Address: bob, MaxClaimable: big.NewInt(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, want.MerkleRoot, snap.MerkleRoot)
}

func TestSnapshotCreateFromJSONAndProof(t *testing.T) {
	path := writeList(t, `["`+alice.Hex()+`", {"address": "`+bob.Hex()+`", "maxClaimable": 5}]`)
	snapPath := filepath.Join(t.TempDir(), "snapshot.json")

	out, err := run(t, "snapshot", "create", path, "--out", snapPath)
	require.NoError(t, err)
	root := common.HexToHash(strings.TrimSpace(out))

	// the written snapshot can be fed back in
	out, err = run(t, "snapshot", "proof", bob.Hex(), "--file", snapPath)
	require.NoError(t, err)
	var proof struct {
		MerkleRoot   common.Hash   `json:"merkleRoot"`
		MaxClaimable string        `json:"maxClaimable"`
		Proof        []common.Hash `json:"proof"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &proof))
	assert.Equal(t, root, proof.MerkleRoot)
	assert.Equal(t, "5", proof.MaxClaimable)
	assert.True(t, merkle.Verify(root, merkle.LeafHash(bob, big.NewInt(5)), proof.Proof))

	_, err = run(t, "snapshot", "proof", common.HexToAddress("0x99").Hex(), "--file", snapPath)
	assert.ErrorIs(t, err, claim.ErrNotAllowlisted)
}

func TestSnapshotCreateRejectsBadInput(t *testing.T) {
	_, err := run(t, "snapshot", "create", writeList(t, alice.Hex()+"\n"+alice.Hex()+"\n"))
	var dup *merkle.DuplicateLeafsError
	assert.ErrorAs(t, err, &dup)

	_, err = run(t, "snapshot", "create", writeList(t, "0xnot-an-address\n"))
	assert.ErrorContains(t, err, "invalid address")

	_, err = run(t, "snapshot", "create", writeList(t, "\n\n"))
	assert.ErrorContains(t, err, "no addresses")

	_, err = run(t, "snapshot", "proof", alice.Hex())
	assert.Error(t, err)
}

func useFakeChain(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("CHAIN_BACKEND", "fake")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("IDEMPOTENCY_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
}

func TestConditionReadsAgainstFakeChain(t *testing.T) {
	useFakeChain(t)

	out, err := run(t, "conditions", "get", "--token", "3")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	_, err = run(t, "conditions", "active", "--token", "3")
	assert.Error(t, err)

	out, err = run(t, "eligibility", "--token", "3", "--address", alice.Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "NoActiveClaimPhase")

	_, err = run(t, "eligibility", "--token=-1")
	assert.ErrorContains(t, err, "invalid token id")
}
