package contract

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"dropgate/internal/merkle"
)

type fakeToken struct {
	startID    uint64
	count      uint64
	conditions map[uint64]ClaimConditionStruct
}

func (t *fakeToken) clone() *fakeToken {
	cp := &fakeToken{startID: t.startID, count: t.count, conditions: make(map[uint64]ClaimConditionStruct, len(t.conditions))}
	for k, v := range t.conditions {
		cp.conditions[k] = v.clone()
	}
	return cp
}

type claimKey struct {
	tokenID     string
	conditionID uint64
	claimer     common.Address
}

type holding struct {
	holder common.Address
	id     string
}

// FakeClient is an in-memory drop contract. It decodes multicall payloads with
// the real ABI and applies them atomically, so it doubles as a dev backend.
type FakeClient struct {
	mu          sync.Mutex
	address     common.Address
	chainID     *big.Int
	contractURI string
	tokens      map[string]*fakeToken
	lastClaims  map[claimKey]*big.Int
	balances    map[holding]*big.Int
	native      map[common.Address]*big.Int
	erc20       map[common.Address]map[common.Address]*big.Int
	erc20Meta   map[common.Address]TokenMetadata
	roles       map[[32]byte]map[common.Address]bool
	minted      map[[32]byte]bool
	multicalls  int

	Now func() time.Time
}

func NewFakeClient(address common.Address, chainID int64) *FakeClient {
	return &FakeClient{
		address:    address,
		chainID:    big.NewInt(chainID),
		tokens:     make(map[string]*fakeToken),
		lastClaims: make(map[claimKey]*big.Int),
		balances:   make(map[holding]*big.Int),
		native:     make(map[common.Address]*big.Int),
		erc20:      make(map[common.Address]map[common.Address]*big.Int),
		erc20Meta:  make(map[common.Address]TokenMetadata),
		roles:      make(map[[32]byte]map[common.Address]bool),
		minted:     make(map[[32]byte]bool),
		Now:        time.Now,
	}
}

func (f *FakeClient) now() *big.Int {
	return big.NewInt(f.Now().Unix())
}

func (f *FakeClient) token(tokenID *big.Int) *fakeToken {
	key := tokenID.String()
	t, ok := f.tokens[key]
	if !ok {
		t = &fakeToken{conditions: make(map[uint64]ClaimConditionStruct)}
		f.tokens[key] = t
	}
	return t
}

func (f *FakeClient) Address() common.Address { return f.address }

func (f *FakeClient) ActiveClaimConditionID(_ context.Context, tokenID *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.activeID(tokenID)
	if err != nil {
		return nil, classifyCallError("getActiveClaimConditionId", err)
	}
	return new(big.Int).SetUint64(id), nil
}

func (f *FakeClient) activeID(tokenID *big.Int) (uint64, error) {
	t := f.token(tokenID)
	now := f.now()
	for i := t.startID + t.count; i > t.startID; i-- {
		cond := t.conditions[i-1]
		if cond.StartTimestamp != nil && now.Cmp(cond.StartTimestamp) >= 0 {
			return i - 1, nil
		}
	}
	return 0, &RevertError{Reason: noActiveConditionReason + "."}
}

func (f *FakeClient) ClaimConditionByID(_ context.Context, tokenID, conditionID *big.Int) (ClaimConditionStruct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cond, ok := f.token(tokenID).conditions[conditionID.Uint64()]
	if !ok {
		return zeroCondition(), nil
	}
	return cond.clone(), nil
}

func zeroCondition() ClaimConditionStruct {
	return ClaimConditionStruct{}.clone()
}

func (f *FakeClient) ClaimConditionState(_ context.Context, tokenID *big.Int) (ClaimConditionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.token(tokenID)
	return ClaimConditionState{
		CurrentStartID: new(big.Int).SetUint64(t.startID),
		Count:          new(big.Int).SetUint64(t.count),
	}, nil
}

func (f *FakeClient) VerifyClaimMerkleProof(_ context.Context, req MerkleProofRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cond, ok := f.token(req.TokenID).conditions[req.ConditionID.Uint64()]
	if !ok {
		return false, &RevertError{Reason: "not in whitelist."}
	}
	leaf := merkle.LeafHash(req.Claimer, req.MaxClaimable)
	if !merkle.Verify(common.Hash(cond.MerkleRoot), leaf, req.Proof) {
		return false, &RevertError{Reason: "not in whitelist."}
	}
	if req.MaxClaimable != nil && req.MaxClaimable.Sign() > 0 && req.Quantity.Cmp(req.MaxClaimable) > 0 {
		return false, &RevertError{Reason: "invalid quantity proof."}
	}
	return true, nil
}

func (f *FakeClient) ClaimTimestamp(_ context.Context, tokenID, conditionID *big.Int, claimer common.Address) (ClaimTimestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cond := f.token(tokenID).conditions[conditionID.Uint64()]
	last := new(big.Int)
	if v, ok := f.lastClaims[claimKey{tokenID.String(), conditionID.Uint64(), claimer}]; ok {
		last.Set(v)
	}
	next := new(big.Int).Add(last, cloneInt(cond.WaitTimeInSecondsBetweenClaims))
	if next.Cmp(math.MaxBig256) > 0 {
		next.Set(math.MaxBig256)
	}
	return ClaimTimestamp{Last: last, Next: next}, nil
}

func (f *FakeClient) BalanceOf(_ context.Context, holder common.Address, tokenID *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneInt(f.balances[holding{holder, tokenID.String()}]), nil
}

func (f *FakeClient) ContractURI(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contractURI, nil
}

func (f *FakeClient) HasRole(_ context.Context, role [32]byte, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[role][account], nil
}

func (f *FakeClient) VerifyMintRequest(_ context.Context, req MintRequest, sig []byte) (bool, common.Address, error) {
	signer, err := RecoverMintSigner(f.chainID, f.address, req, sig)
	if err != nil {
		return false, common.Address{}, fmt.Errorf("verify: invalid signature: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := !f.minted[req.Uid] && f.roles[MustRoleHash(RoleMinter)][signer]
	return ok, signer, nil
}

func (f *FakeClient) EncodeSetContractURI(uri string) ([]byte, error) {
	return dropABI.Pack("setContractURI", uri)
}

func (f *FakeClient) EncodeSetClaimConditions(tokenID *big.Int, conditions []ClaimConditionStruct, resetEligibility bool) ([]byte, error) {
	return dropABI.Pack("setClaimConditions", tokenID, conditions, resetEligibility)
}

// Multicall applies every call or none of them.
func (f *FakeClient) Multicall(_ context.Context, calls [][]byte) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	savedURI := f.contractURI
	savedTokens := make(map[string]*fakeToken, len(f.tokens))
	for k, v := range f.tokens {
		savedTokens[k] = v.clone()
	}

	for i, call := range calls {
		if err := f.apply(call); err != nil {
			f.contractURI = savedURI
			f.tokens = savedTokens
			return Receipt{}, ConvertTxError(fmt.Errorf("multicall[%d]: %w", i, err), TxInfo{
				To:      f.address.Hex(),
				Data:    call,
				ChainID: f.chainID,
			})
		}
	}
	f.multicalls++

	var payload []byte
	for _, c := range calls {
		payload = append(payload, c...)
	}
	sum := sha256.Sum256(payload)
	return Receipt{TxHash: common.BytesToHash(sum[:]), BlockNumber: uint64(f.multicalls)}, nil
}

func (f *FakeClient) apply(call []byte) error {
	if len(call) < 4 {
		return errors.New("calldata too short")
	}
	method, err := dropABI.MethodById(call[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(call[4:])
	if err != nil {
		return fmt.Errorf("decode %s: %w", method.Name, err)
	}
	switch method.Name {
	case "setContractURI":
		f.contractURI = *abi.ConvertType(args[0], new(string)).(*string)
		return nil
	case "setClaimConditions":
		tokenID := *abi.ConvertType(args[0], new(*big.Int)).(**big.Int)
		phases := *abi.ConvertType(args[1], new([]ClaimConditionStruct)).(*[]ClaimConditionStruct)
		reset := *abi.ConvertType(args[2], new(bool)).(*bool)
		return f.setClaimConditions(tokenID, phases, reset)
	default:
		return &RevertError{Reason: "unsupported call " + method.Name}
	}
}

func (f *FakeClient) setClaimConditions(tokenID *big.Int, phases []ClaimConditionStruct, reset bool) error {
	t := f.token(tokenID)
	existingStart, existingCount := t.startID, t.count
	newStart := existingStart
	if reset {
		newStart = existingStart + existingCount
	}

	var lastStart *big.Int
	for i, phase := range phases {
		if lastStart != nil && lastStart.Cmp(phase.StartTimestamp) >= 0 {
			return &RevertError{Reason: "startTimestamp must be in ascending order."}
		}
		id := newStart + uint64(i)
		claimed := cloneInt(t.conditions[id].SupplyClaimed)
		if claimed.Cmp(phase.MaxClaimableSupply) > 0 {
			return &RevertError{Reason: "max supply claimed already"}
		}
		stored := phase.clone()
		stored.SupplyClaimed = claimed
		t.conditions[id] = stored
		lastStart = phase.StartTimestamp
	}

	if reset {
		for id := existingStart; id < newStart; id++ {
			delete(t.conditions, id)
		}
	} else if existingCount > uint64(len(phases)) {
		for id := newStart + uint64(len(phases)); id < newStart+existingCount; id++ {
			delete(t.conditions, id)
		}
	}
	t.startID = newStart
	t.count = uint64(len(phases))
	return nil
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeClient) NativeBalance(_ context.Context, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneInt(f.native[holder]), nil
}

func (f *FakeClient) TokenBalance(_ context.Context, token, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.erc20Meta[token]; !ok {
		return nil, fmt.Errorf("erc20 balanceOf: no contract at %s", token.Hex())
	}
	return cloneInt(f.erc20[token][holder]), nil
}

func (f *FakeClient) TokenMetadata(_ context.Context, token common.Address) (TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.erc20Meta[token]
	if !ok {
		return TokenMetadata{}, fmt.Errorf("erc20 name: no contract at %s", token.Hex())
	}
	return meta, nil
}

// Multicalls reports how many multicall transactions were applied.
func (f *FakeClient) Multicalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.multicalls
}

func (f *FakeClient) GrantRole(role [32]byte, account common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[role] == nil {
		f.roles[role] = make(map[common.Address]bool)
	}
	f.roles[role][account] = true
}

func (f *FakeClient) SetNativeBalance(holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[holder] = cloneInt(amount)
}

func (f *FakeClient) DeployERC20(token common.Address, meta TokenMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.erc20Meta[token] = meta
	if f.erc20[token] == nil {
		f.erc20[token] = make(map[common.Address]*big.Int)
	}
}

func (f *FakeClient) SetTokenBalance(token, holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.erc20[token] == nil {
		f.erc20[token] = make(map[common.Address]*big.Int)
	}
	f.erc20[token][holder] = cloneInt(amount)
}

// RecordClaim simulates a successful claim of quantity tokens at the current time.
func (f *FakeClient) RecordClaim(tokenID, conditionID *big.Int, claimer common.Address, quantity *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastClaims[claimKey{tokenID.String(), conditionID.Uint64(), claimer}] = f.now()
	h := holding{claimer, tokenID.String()}
	f.balances[h] = new(big.Int).Add(cloneInt(f.balances[h]), quantity)
	t := f.token(tokenID)
	if cond, ok := t.conditions[conditionID.Uint64()]; ok {
		cond.SupplyClaimed = new(big.Int).Add(cloneInt(cond.SupplyClaimed), quantity)
		t.conditions[conditionID.Uint64()] = cond
	}
}

// RecordMint marks uid as consumed, as a successful mintWithSignature would.
func (f *FakeClient) RecordMint(uid [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted[uid] = true
}
