package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropgate/internal/merkle"
)

var (
	dropAddr = common.HexToAddress("0x00000000000000000000000000000000000d0d0d")
	alice    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func phase(start int64, max int64, wait *big.Int, root common.Hash) ClaimConditionStruct {
	return ClaimConditionStruct{
		StartTimestamp:                 big.NewInt(start),
		MaxClaimableSupply:             big.NewInt(max),
		SupplyClaimed:                  new(big.Int),
		QuantityLimitPerTransaction:    new(big.Int).Set(math.MaxBig256),
		WaitTimeInSecondsBetweenClaims: wait,
		MerkleRoot:                     root,
		PricePerToken:                  new(big.Int),
		Currency:                       NativeTokenAddress,
	}
}

func newFake(now time.Time) *FakeClient {
	f := NewFakeClient(dropAddr, 1337)
	f.Now = func() time.Time { return now }
	return f
}

func TestFakeNoActiveCondition(t *testing.T) {
	f := newFake(time.Unix(1_000, 0))
	_, err := f.ActiveClaimConditionID(context.Background(), big.NewInt(0))
	assert.ErrorIs(t, err, ErrNoActiveCondition)
}

func TestFakeMulticallSetsConditionsAndURI(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Unix(1_000, 0))
	token := big.NewInt(7)

	setURI, err := f.EncodeSetContractURI("ipfs://meta")
	require.NoError(t, err)
	setConds, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{
		phase(500, 10, new(big.Int), common.Hash{}),
		phase(900, 20, big.NewInt(60), common.Hash{}),
		phase(5_000, 30, new(big.Int), common.Hash{}),
	}, false)
	require.NoError(t, err)

	receipt, err := f.Multicall(ctx, [][]byte{setURI, setConds})
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, receipt.TxHash)
	assert.Equal(t, 1, f.Multicalls())

	uri, err := f.ContractURI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://meta", uri)

	state, err := f.ClaimConditionState(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentStartID.Int64())
	assert.Equal(t, int64(3), state.Count.Int64())

	active, err := f.ActiveClaimConditionID(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Int64())

	cond, err := f.ClaimConditionByID(ctx, token, active)
	require.NoError(t, err)
	assert.Equal(t, int64(20), cond.MaxClaimableSupply.Int64())
	assert.Equal(t, int64(60), cond.WaitTimeInSecondsBetweenClaims.Int64())
	assert.Equal(t, NativeTokenAddress, cond.Currency)
}

func TestFakeMulticallIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Unix(1_000, 0))
	token := big.NewInt(1)

	setURI, err := f.EncodeSetContractURI("ipfs://new")
	require.NoError(t, err)
	// out of order start times revert
	bad, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{
		phase(900, 10, new(big.Int), common.Hash{}),
		phase(500, 10, new(big.Int), common.Hash{}),
	}, false)
	require.NoError(t, err)

	_, err = f.Multicall(ctx, [][]byte{setURI, bad})
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Contains(t, txErr.Reason, "ascending order")
	assert.Equal(t, dropAddr.Hex(), txErr.To)

	uri, err := f.ContractURI(ctx)
	require.NoError(t, err)
	assert.Empty(t, uri)
	assert.Equal(t, 0, f.Multicalls())
}

func TestFakeResetEligibilityMovesWindow(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Unix(1_000, 0))
	token := big.NewInt(3)

	first, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{phase(1, 10, new(big.Int), common.Hash{})}, false)
	require.NoError(t, err)
	_, err = f.Multicall(ctx, [][]byte{first})
	require.NoError(t, err)
	f.RecordClaim(token, big.NewInt(0), alice, big.NewInt(4))

	// without reset the claimed supply carries over
	again, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{phase(1, 10, new(big.Int), common.Hash{})}, false)
	require.NoError(t, err)
	_, err = f.Multicall(ctx, [][]byte{again})
	require.NoError(t, err)
	cond, err := f.ClaimConditionByID(ctx, token, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(4), cond.SupplyClaimed.Int64())

	reset, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{phase(1, 10, new(big.Int), common.Hash{})}, true)
	require.NoError(t, err)
	_, err = f.Multicall(ctx, [][]byte{reset})
	require.NoError(t, err)

	state, err := f.ClaimConditionState(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.CurrentStartID.Int64())
	cond, err = f.ClaimConditionByID(ctx, token, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), cond.SupplyClaimed.Int64())
}

func TestFakeClaimTimestamp(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(10_000, 0)
	f := newFake(now)
	token := big.NewInt(2)

	set, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{phase(1, 10, new(big.Int).Set(math.MaxBig256), common.Hash{})}, false)
	require.NoError(t, err)
	_, err = f.Multicall(ctx, [][]byte{set})
	require.NoError(t, err)

	ts, err := f.ClaimTimestamp(ctx, token, big.NewInt(0), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts.Last.Int64())
	assert.Equal(t, 0, ts.Next.Cmp(math.MaxBig256))

	f.RecordClaim(token, big.NewInt(0), alice, big.NewInt(1))
	ts, err = f.ClaimTimestamp(ctx, token, big.NewInt(0), alice)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), ts.Last.Int64())
	assert.Equal(t, 0, ts.Next.Cmp(math.MaxBig256), "overflow saturates")

	bal, err := f.BalanceOf(ctx, alice, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Int64())
}

func TestFakeVerifyClaimMerkleProof(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Unix(1_000, 0))
	token := big.NewInt(4)

	tree, err := merkle.NewTree([]merkle.Entry{
		{Address: alice, MaxClaimable: big.NewInt(2)},
		{Address: bob, MaxClaimable: big.NewInt(0)},
	})
	require.NoError(t, err)
	set, err := f.EncodeSetClaimConditions(token, []ClaimConditionStruct{phase(1, 10, new(big.Int), tree.Root())}, false)
	require.NoError(t, err)
	_, err = f.Multicall(ctx, [][]byte{set})
	require.NoError(t, err)

	proof, err := tree.Proof(alice)
	require.NoError(t, err)
	req := MerkleProofRequest{
		ConditionID:  big.NewInt(0),
		Claimer:      alice,
		TokenID:      token,
		Quantity:     big.NewInt(1),
		Proof:        proof,
		MaxClaimable: big.NewInt(2),
	}
	ok, err := f.VerifyClaimMerkleProof(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	req.Quantity = big.NewInt(3)
	_, err = f.VerifyClaimMerkleProof(ctx, req)
	assert.Error(t, err)

	req.Quantity = big.NewInt(1)
	req.Claimer = bob
	_, err = f.VerifyClaimMerkleProof(ctx, req)
	var rev *RevertError
	require.True(t, errors.As(err, &rev))
	assert.Equal(t, "not in whitelist.", rev.Reason)
}

func TestFakeBalancesAndRoles(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Now())
	usdc := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	f.SetNativeBalance(alice, big.NewInt(100))
	bal, err := f.NativeBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Int64())

	_, err = f.TokenMetadata(ctx, usdc)
	assert.Error(t, err)

	f.DeployERC20(usdc, TokenMetadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6})
	f.SetTokenBalance(usdc, alice, big.NewInt(5_000_000))
	meta, err := f.TokenMetadata(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), meta.Decimals)
	bal, err = f.TokenBalance(ctx, usdc, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), bal.Int64())

	minter := MustRoleHash(RoleMinter)
	ok, err := f.HasRole(ctx, minter, alice)
	require.NoError(t, err)
	assert.False(t, ok)
	f.GrantRole(minter, alice)
	ok, err = f.HasRole(ctx, minter, alice)
	require.NoError(t, err)
	assert.True(t, ok)
}

func sampleMintRequest() MintRequest {
	return MintRequest{
		To:                     alice,
		RoyaltyBps:             big.NewInt(250),
		TokenId:                big.NewInt(3),
		Uri:                    "ipfs://bafy/0",
		Quantity:               big.NewInt(5),
		PricePerToken:          new(big.Int),
		Currency:               NativeTokenAddress,
		ValidityStartTimestamp: big.NewInt(1_000),
		ValidityEndTimestamp:   big.NewInt(2_000),
		Uid:                    common.HexToHash("0x01"),
	}
}

func TestMintRequestDomainSeparator(t *testing.T) {
	chainID := big.NewInt(137)
	td := MintRequestTypedData(chainID, dropAddr, sampleMintRequest())
	got, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	require.NoError(t, err)

	typeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	want := crypto.Keccak256(
		typeHash,
		crypto.Keccak256([]byte("TokenERC1155")),
		crypto.Keccak256([]byte("1")),
		common.LeftPadBytes(chainID.Bytes(), 32),
		common.LeftPadBytes(dropAddr.Bytes(), 32),
	)
	assert.Equal(t, want, []byte(got))
}

func TestTokenABIPacksMintRequest(t *testing.T) {
	packed, err := tokenABI.Pack("verify", sampleMintRequest(), make([]byte, 65))
	require.NoError(t, err)
	assert.Equal(t, tokenABI.Methods["verify"].ID, packed[:4])
}

func TestFakeVerifyMintRequest(t *testing.T) {
	ctx := context.Background()
	f := newFake(time.Now())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	req := sampleMintRequest()
	hash, err := MintRequestDigest(big.NewInt(1337), dropAddr, req)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	ok, got, err := f.VerifyMintRequest(ctx, req, sig)
	require.NoError(t, err)
	assert.Equal(t, signer, got)
	assert.False(t, ok, "signer has no minter role yet")

	f.GrantRole(MustRoleHash(RoleMinter), signer)
	ok, _, err = f.VerifyMintRequest(ctx, req, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	f.RecordMint(req.Uid)
	ok, got, err = f.VerifyMintRequest(ctx, req, sig)
	require.NoError(t, err)
	assert.Equal(t, signer, got)
	assert.False(t, ok)

	_, _, err = f.VerifyMintRequest(ctx, req, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRoleHash(t *testing.T) {
	admin, err := RoleHash(RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, admin)

	minter, err := RoleHash(RoleMinter)
	require.NoError(t, err)
	assert.Equal(t, [32]byte(crypto.Keccak256Hash([]byte("MINTER_ROLE"))), minter)

	_, err = RoleHash("owner")
	assert.Error(t, err)
}

func TestConvertTxError(t *testing.T) {
	info := TxInfo{
		From:    alice.Hex(),
		To:      dropAddr.Hex(),
		Data:    []byte{0xde, 0xad},
		ChainID: big.NewInt(137),
		RPCURL:  "https://polygon-rpc.example.com/v1/key",
	}

	raw := errors.New(`{"message":"execution reverted: not enough funds","from":"0xabc"}`)
	err := ConvertTxError(raw, info)
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "not enough funds", txErr.Reason)
	assert.Equal(t, "0xabc", txErr.From)
	assert.Equal(t, dropAddr.Hex(), txErr.To)
	assert.Equal(t, "0xdead", txErr.Data)
	assert.Equal(t, "polygon-rpc.example.com", txErr.RPCHost)
	assert.ErrorIs(t, err, raw)
	assert.Contains(t, err.Error(), "chain=137")

	plain := ConvertTxError(errors.New("nonce too low"), info)
	require.True(t, errors.As(plain, &txErr))
	assert.Equal(t, "nonce too low", txErr.Reason)
	assert.Equal(t, alice.Hex(), txErr.From)

	assert.Equal(t, context.Canceled, ConvertTxError(context.Canceled, info))
	assert.NoError(t, ConvertTxError(nil, info))
}

func TestConvertTxErrorMatchesWholeFieldNames(t *testing.T) {
	info := TxInfo{From: alice.Hex(), To: dropAddr.Hex(), ChainID: big.NewInt(1)}

	raw := errors.New(`{"message":"execution reverted","total":"0x05","fromBlock":"0x1","to":"0xdef"}`)
	var txErr *TransactionError
	require.True(t, errors.As(ConvertTxError(raw, info), &txErr))
	assert.Equal(t, "0xdef", txErr.To)
	assert.Equal(t, alice.Hex(), txErr.From)

	escaped := errors.New(`rpc error: {\"from\": \"0xfeed\", \"to\":\"0xbeef\"}`)
	require.True(t, errors.As(ConvertTxError(escaped, info), &txErr))
	assert.Equal(t, "0xfeed", txErr.From)
	assert.Equal(t, "0xbeef", txErr.To)
}

func TestClassifyCallError(t *testing.T) {
	err := classifyCallError("getActiveClaimConditionId", errors.New("execution reverted: no active mint condition."))
	assert.ErrorIs(t, err, ErrNoActiveCondition)

	other := errors.New("connection refused")
	err = classifyCallError("claimCondition", other)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, ErrNoActiveCondition)
}
