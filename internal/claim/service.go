package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dropgate/internal/contract"
	"dropgate/internal/storage"
)

const defaultReadConcurrency = 8

type ConditionsConfig struct {
	// Native describes the chain's native currency.
	Native contract.TokenMetadata
	// ReadConcurrency bounds parallel condition reads in GetAll.
	ReadConcurrency int
	Now             func() time.Time
}

// Conditions manages the claim phases of an ERC-1155 drop.
type Conditions struct {
	drop    contract.DropContract
	chain   contract.Chain
	storage storage.Storage
	log     *zap.Logger
	cfg     ConditionsConfig
}

func NewConditions(drop contract.DropContract, chain contract.Chain, st storage.Storage, log *zap.Logger, cfg ConditionsConfig) *Conditions {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = defaultReadConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Native.Symbol == "" {
		cfg.Native = contract.TokenMetadata{Name: "Ether", Symbol: "ETH", Decimals: 18}
	}
	return &Conditions{drop: drop, chain: chain, storage: st, log: log, cfg: cfg}
}

// GetActive returns the phase that is live right now.
func (c *Conditions) GetActive(ctx context.Context, tokenID *big.Int) (ClaimCondition, error) {
	id, err := c.drop.ActiveClaimConditionID(ctx, tokenID)
	if err != nil {
		return ClaimCondition{}, err
	}
	raw, err := c.drop.ClaimConditionByID(ctx, tokenID, id)
	if err != nil {
		return ClaimCondition{}, fmt.Errorf("read claim condition %s: %w", id, err)
	}
	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		return ClaimCondition{}, err
	}
	return c.transform(ctx, raw, meta.Merkle)
}

// GetAll returns every phase in the token's current window, oldest first.
func (c *Conditions) GetAll(ctx context.Context, tokenID *big.Int) ([]ClaimCondition, error) {
	state, err := c.drop.ClaimConditionState(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("read claim condition state: %w", err)
	}
	if !state.Count.IsUint64() || !state.CurrentStartID.IsUint64() {
		return nil, fmt.Errorf("claim condition window out of range: start %s count %s", state.CurrentStartID, state.Count)
	}
	start, count := state.CurrentStartID.Uint64(), state.Count.Uint64()

	raws := make([]contract.ClaimConditionStruct, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ReadConcurrency)
	for i := uint64(0); i < count; i++ {
		id := new(big.Int).SetUint64(start + i)
		g.Go(func() error {
			raw, err := c.drop.ClaimConditionByID(gctx, tokenID, id)
			if err != nil {
				return fmt.Errorf("read claim condition %s: %w", id, err)
			}
			raws[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimCondition, 0, len(raws))
	for _, raw := range raws {
		cond, err := c.transform(ctx, raw, meta.Merkle)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func (c *Conditions) transform(ctx context.Context, raw contract.ClaimConditionStruct, merkleMap map[string]string) (ClaimCondition, error) {
	currency, err := c.currencyMetadata(ctx, raw.Currency)
	if err != nil {
		return ClaimCondition{}, err
	}
	price := orZero(raw.PricePerToken)
	maxQty := orZero(raw.MaxClaimableSupply)
	claimed := orZero(raw.SupplyClaimed)
	available := new(big.Int).Sub(maxQty, claimed)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}

	cond := ClaimCondition{
		StartTime:       time.Unix(orZero(raw.StartTimestamp).Int64(), 0),
		CurrencyAddress: raw.Currency,
		Price:           price,
		CurrencyMetadata: CurrencyValue{
			Name:         currency.Name,
			Symbol:       currency.Symbol,
			Decimals:     currency.Decimals,
			Value:        price,
			DisplayValue: DisplayValue(price, currency.Decimals),
		},
		MaxQuantity:                 maxQty,
		QuantityLimitPerTransaction: orZero(raw.QuantityLimitPerTransaction),
		WaitInSeconds:               orZero(raw.WaitTimeInSecondsBetweenClaims),
		SupplyClaimed:               claimed,
		AvailableSupply:             available,
		MerkleRootHash:              common.Hash(raw.MerkleRoot),
	}

	if cond.MerkleRootHash != (common.Hash{}) {
		snap, err := FetchSnapshot(ctx, c.storage, merkleMap, cond.MerkleRootHash)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.log.Warn("snapshot missing from storage", zap.String("merkle_root", cond.MerkleRootHash.Hex()), zap.Error(err))
		case err != nil:
			return ClaimCondition{}, err
		case snap != nil:
			cond.Snapshot = snap.Entries()
		}
	}
	return cond, nil
}

func (c *Conditions) currencyMetadata(ctx context.Context, currency common.Address) (contract.TokenMetadata, error) {
	if contract.IsNativeToken(currency) {
		return c.cfg.Native, nil
	}
	meta, err := c.chain.TokenMetadata(ctx, currency)
	if err != nil {
		return contract.TokenMetadata{}, fmt.Errorf("currency metadata for %s: %w", currency.Hex(), err)
	}
	return meta, nil
}

// CanClaim reports whether addr may claim quantity tokens right now.
func (c *Conditions) CanClaim(ctx context.Context, tokenID, quantity *big.Int, addr common.Address) (bool, error) {
	reasons, err := c.GetClaimIneligibilityReasons(ctx, tokenID, quantity, addr)
	if err != nil {
		return false, err
	}
	return len(reasons) == 0, nil
}

// GetClaimIneligibilityReasons lists every reason addr cannot claim quantity
// tokens. An empty list means the claim would succeed. Missing phases and
// allowlist failures stop the evaluation early; other checks accumulate.
func (c *Conditions) GetClaimIneligibilityReasons(ctx context.Context, tokenID, quantity *big.Int, addr common.Address) ([]ClaimEligibility, error) {
	if quantity == nil || quantity.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if addr == (common.Address{}) {
		return []ClaimEligibility{NoWallet}, nil
	}

	var (
		activeID *big.Int
		active   ClaimCondition
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		activeID, err = c.drop.ActiveClaimConditionID(gctx, tokenID)
		return err
	})
	g.Go(func() (err error) {
		active, err = c.GetActive(gctx, tokenID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, contract.ErrNoActiveCondition) {
			return []ClaimEligibility{NoActiveClaimPhase}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("reading active claim condition failed", zap.String("token_id", tokenID.String()), zap.Error(err))
		return []ClaimEligibility{Unknown}, nil
	}

	reasons := []ClaimEligibility{}
	if active.AvailableSupply.Cmp(quantity) < 0 {
		reasons = append(reasons, NotEnoughSupply)
	}

	if active.MerkleRootHash != (common.Hash{}) {
		if !c.allowlisted(ctx, tokenID, activeID, quantity, addr, active.MerkleRootHash) {
			return append(reasons, AddressNotAllowed), nil
		}
	}

	ts, err := c.drop.ClaimTimestamp(ctx, tokenID, activeID, addr)
	if err != nil {
		return nil, fmt.Errorf("read claim timestamp: %w", err)
	}
	now := big.NewInt(c.cfg.Now().Unix())
	if now.Cmp(ts.Next) < 0 {
		// A one-time phase reports wait == next for a wallet that never claimed.
		if active.WaitInSeconds.Cmp(ts.Next) == 0 {
			balance, err := c.drop.BalanceOf(ctx, addr, tokenID)
			if err != nil {
				return nil, fmt.Errorf("read token balance: %w", err)
			}
			if balance.Sign() > 0 {
				reasons = append(reasons, AlreadyClaimed)
			}
		} else {
			reasons = append(reasons, WaitBeforeNextClaimTransaction)
		}
	}

	if active.Price.Sign() > 0 {
		total := new(big.Int).Mul(active.Price, quantity)
		balance, err := c.balance(ctx, active.CurrencyAddress, addr)
		if err != nil {
			return nil, err
		}
		if balance.Cmp(total) < 0 {
			reasons = append(reasons, NotEnoughTokens)
		}
	}
	return reasons, nil
}

func (c *Conditions) allowlisted(ctx context.Context, tokenID, conditionID, quantity *big.Int, addr common.Address, root common.Hash) bool {
	log := c.log.With(zap.String("claimer", addr.Hex()), zap.String("merkle_root", root.Hex()))
	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		log.Warn("loading contract metadata for proof failed", zap.Error(err))
		return false
	}
	proof, err := FetchClaimerProof(ctx, c.storage, meta.Merkle, root, addr)
	if err != nil {
		log.Warn("fetching claimer proof failed", zap.Error(err))
		return false
	}
	req := contract.MerkleProofRequest{
		ConditionID:  conditionID,
		Claimer:      addr,
		TokenID:      tokenID,
		Quantity:     quantity,
		Proof:        []common.Hash{},
		MaxClaimable: new(big.Int),
	}
	if proof != nil {
		req.Proof = proof.Proof
		req.MaxClaimable = proof.MaxClaimable
	}
	ok, err := c.drop.VerifyClaimMerkleProof(ctx, req)
	if err != nil {
		log.Debug("merkle proof rejected", zap.Error(err))
		return false
	}
	return ok
}

func (c *Conditions) balance(ctx context.Context, currency, holder common.Address) (*big.Int, error) {
	if contract.IsNativeToken(currency) {
		b, err := c.chain.NativeBalance(ctx, holder)
		if err != nil {
			return nil, fmt.Errorf("read native balance: %w", err)
		}
		return b, nil
	}
	b, err := c.chain.TokenBalance(ctx, currency, holder)
	if err != nil {
		return nil, fmt.Errorf("read %s balance: %w", currency.Hex(), err)
	}
	return b, nil
}

// SetResult describes a submitted condition change.
type SetResult struct {
	Receipt contract.Receipt `json:"receipt"`
	// MetadataURI is set when the contract metadata was rewritten.
	MetadataURI string         `json:"metadataUri,omitempty"`
	Snapshots   []SnapshotInfo `json:"snapshots,omitempty"`
}

// Set replaces the claim phases of tokenID in a single multicall. Allowlist
// snapshots are stored first and the contract metadata is only rewritten when
// a new merkle root appears.
func (c *Conditions) Set(ctx context.Context, tokenID *big.Int, inputs []ClaimConditionInput, resetEligibility bool) (SetResult, error) {
	parsed, err := ParseConditions(inputs, c.cfg.Now())
	if err != nil {
		return SetResult{}, err
	}
	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		return SetResult{}, err
	}

	infos, fresh, err := c.storeSnapshots(ctx, parsed, meta.Merkle)
	if err != nil {
		return SetResult{}, err
	}

	phases, err := c.toPhases(ctx, parsed)
	if err != nil {
		return SetResult{}, err
	}

	var (
		calls  [][]byte
		result SetResult
	)
	merged, changed := MergeMerkle(meta.Merkle, fresh)
	if changed {
		uri, err := storage.UploadJSON(ctx, c.storage, meta.WithMerkle(merged))
		if err != nil {
			return SetResult{}, fmt.Errorf("upload contract metadata: %w", err)
		}
		call, err := c.drop.EncodeSetContractURI(uri)
		if err != nil {
			return SetResult{}, fmt.Errorf("encode setContractURI: %w", err)
		}
		calls = append(calls, call)
		result.MetadataURI = uri
	}
	call, err := c.drop.EncodeSetClaimConditions(tokenID, phases, resetEligibility)
	if err != nil {
		return SetResult{}, fmt.Errorf("encode setClaimConditions: %w", err)
	}
	calls = append(calls, call)

	receipt, err := c.drop.Multicall(ctx, calls)
	if err != nil {
		return SetResult{}, err
	}
	c.log.Info("claim conditions set",
		zap.String("token_id", tokenID.String()),
		zap.Int("phases", len(phases)),
		zap.Bool("metadata_updated", changed),
		zap.String("tx", receipt.TxHash.Hex()),
	)
	result.Receipt = receipt
	result.Snapshots = infos
	return result, nil
}

// storeSnapshots builds a tree for every phase with an allowlist and uploads
// the snapshots whose root is not already published. It sets each phase's
// merkle root and returns the root to URI entries of this batch.
func (c *Conditions) storeSnapshots(ctx context.Context, parsed []ParsedCondition, published map[string]string) ([]SnapshotInfo, map[string]string, error) {
	var (
		infos   []SnapshotInfo
		pending []int
		blobs   [][]byte
	)
	fresh := make(map[string]string)
	queued := make(map[common.Hash]int)

	for i := range parsed {
		if len(parsed[i].Snapshot) == 0 {
			continue
		}
		snap, err := CreateSnapshot(parsed[i].Snapshot)
		if err != nil {
			return nil, nil, &ValidationError{Index: i, Field: "snapshot", Reason: err.Error(), Err: err}
		}
		parsed[i].MerkleRoot = snap.MerkleRoot
		infos = append(infos, SnapshotInfo{MerkleRoot: snap.MerkleRoot, Snapshot: snap})

		if uri, ok := lookupRoot(published, snap.MerkleRoot); ok {
			infos[len(infos)-1].SnapshotURI = uri
			fresh[rootKey(snap.MerkleRoot)] = uri
			continue
		}
		if _, ok := queued[snap.MerkleRoot]; ok {
			continue
		}
		data, err := snap.Encode()
		if err != nil {
			return nil, nil, fmt.Errorf("encode snapshot: %w", err)
		}
		queued[snap.MerkleRoot] = len(blobs)
		pending = append(pending, len(infos)-1)
		blobs = append(blobs, data)
	}

	if len(blobs) > 0 {
		uris, err := storage.UploadBatch(ctx, c.storage, blobs)
		if err != nil {
			return nil, nil, fmt.Errorf("upload snapshots: %w", err)
		}
		for n, idx := range pending {
			fresh[rootKey(infos[idx].MerkleRoot)] = uris[n]
		}
	}
	for i := range infos {
		if infos[i].SnapshotURI == "" {
			infos[i].SnapshotURI = fresh[rootKey(infos[i].MerkleRoot)]
		}
	}
	return infos, fresh, nil
}

func (c *Conditions) toPhases(ctx context.Context, parsed []ParsedCondition) ([]contract.ClaimConditionStruct, error) {
	decimals := make(map[common.Address]uint8)
	lookup := func(currency common.Address) (uint8, error) {
		if d, ok := decimals[currency]; ok {
			return d, nil
		}
		meta, err := c.currencyMetadata(ctx, currency)
		if err != nil {
			return 0, err
		}
		decimals[currency] = meta.Decimals
		return meta.Decimals, nil
	}

	phases := make([]contract.ClaimConditionStruct, 0, len(parsed))
	for i, p := range parsed {
		dec, err := lookup(p.Currency)
		if err != nil {
			return nil, err
		}
		price, err := ToBaseUnits(p.Price, dec)
		if err != nil {
			return nil, &ValidationError{Index: i, Field: "price", Reason: err.Error(), Err: err}
		}
		phases = append(phases, contract.ClaimConditionStruct{
			StartTimestamp:                 big.NewInt(p.StartTime.Unix()),
			MaxClaimableSupply:             p.MaxQuantity,
			SupplyClaimed:                  new(big.Int),
			QuantityLimitPerTransaction:    p.QuantityLimitPerTransaction,
			WaitTimeInSecondsBetweenClaims: p.WaitInSeconds,
			MerkleRoot:                     p.MerkleRoot,
			PricePerToken:                  price,
			Currency:                       p.Currency,
		})
	}
	return phases, nil
}

// Update patches the phase at index and resubmits the whole set. Fields left
// empty in patch keep their current value.
func (c *Conditions) Update(ctx context.Context, tokenID *big.Int, index int, patch ClaimConditionInput) (SetResult, error) {
	existing, err := c.GetAll(ctx, tokenID)
	if err != nil {
		return SetResult{}, err
	}
	if index < 0 || index >= len(existing) {
		return SetResult{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(existing))
	}
	inputs := make([]ClaimConditionInput, len(existing))
	for i, cond := range existing {
		inputs[i] = cond.Input()
	}
	inputs[index] = overlay(inputs[index], patch)
	return c.Set(ctx, tokenID, inputs, false)
}

// Input converts an on-chain phase back into the input that produces it.
func (cc ClaimCondition) Input() ClaimConditionInput {
	in := ClaimConditionInput{
		StartTime:                   Numberish(strconv.FormatInt(cc.StartTime.Unix(), 10)),
		CurrencyAddress:             cc.CurrencyAddress.Hex(),
		Price:                       Numberish(cc.CurrencyMetadata.DisplayValue),
		MaxQuantity:                 Numberish(formatQuantity(cc.MaxQuantity)),
		QuantityLimitPerTransaction: Numberish(formatQuantity(cc.QuantityLimitPerTransaction)),
		WaitInSeconds:               Numberish(formatQuantity(cc.WaitInSeconds)),
	}
	if cc.MerkleRootHash != (common.Hash{}) {
		in.MerkleRootHash = cc.MerkleRootHash.Hex()
	}
	for _, e := range cc.Snapshot {
		in.Snapshot = append(in.Snapshot, SnapshotEntryInput{Address: e.Address.Hex(), MaxClaimable: Numberish(e.MaxClaimable)})
	}
	return in
}

func overlay(base, patch ClaimConditionInput) ClaimConditionInput {
	if patch.StartTime.IsSet() {
		base.StartTime = patch.StartTime
	}
	if patch.CurrencyAddress != "" {
		base.CurrencyAddress = patch.CurrencyAddress
	}
	if patch.Price.IsSet() {
		base.Price = patch.Price
	}
	if patch.MaxQuantity.IsSet() {
		base.MaxQuantity = patch.MaxQuantity
	}
	if patch.QuantityLimitPerTransaction.IsSet() {
		base.QuantityLimitPerTransaction = patch.QuantityLimitPerTransaction
	}
	if patch.WaitInSeconds.IsSet() {
		base.WaitInSeconds = patch.WaitInSeconds
	}
	switch {
	case patch.Snapshot != nil:
		base.Snapshot = patch.Snapshot
		base.MerkleRootHash = ""
	case patch.MerkleRootHash != "":
		base.MerkleRootHash = patch.MerkleRootHash
		base.Snapshot = nil
	}
	return base
}

// ClaimPreparation carries what a claimer needs to build a claim transaction.
type ClaimPreparation struct {
	ConditionID  *big.Int       `json:"conditionId"`
	Claimer      common.Address `json:"claimer"`
	Quantity     *big.Int       `json:"quantity"`
	Proof        []common.Hash  `json:"proof"`
	MaxClaimable *big.Int       `json:"maxClaimable"`
	Currency     common.Address `json:"currency"`
	TotalPrice   CurrencyValue  `json:"totalPrice"`
}

// PrepareClaim resolves the active phase's proof and price for addr.
func (c *Conditions) PrepareClaim(ctx context.Context, tokenID, quantity *big.Int, addr common.Address) (ClaimPreparation, error) {
	if quantity == nil || quantity.Sign() <= 0 {
		return ClaimPreparation{}, ErrInvalidQuantity
	}
	id, err := c.drop.ActiveClaimConditionID(ctx, tokenID)
	if err != nil {
		return ClaimPreparation{}, err
	}
	active, err := c.GetActive(ctx, tokenID)
	if err != nil {
		return ClaimPreparation{}, err
	}

	total := new(big.Int).Mul(active.Price, quantity)
	prep := ClaimPreparation{
		ConditionID:  id,
		Claimer:      addr,
		Quantity:     new(big.Int).Set(quantity),
		Proof:        []common.Hash{},
		MaxClaimable: new(big.Int),
		Currency:     active.CurrencyAddress,
		TotalPrice: CurrencyValue{
			Name:         active.CurrencyMetadata.Name,
			Symbol:       active.CurrencyMetadata.Symbol,
			Decimals:     active.CurrencyMetadata.Decimals,
			Value:        total,
			DisplayValue: DisplayValue(total, active.CurrencyMetadata.Decimals),
		},
	}
	if active.MerkleRootHash == (common.Hash{}) {
		return prep, nil
	}
	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		return ClaimPreparation{}, err
	}
	proof, err := FetchClaimerProof(ctx, c.storage, meta.Merkle, active.MerkleRootHash, addr)
	if err != nil {
		return ClaimPreparation{}, err
	}
	if proof == nil {
		return ClaimPreparation{}, ErrNotAllowlisted
	}
	prep.Proof = proof.Proof
	prep.MaxClaimable = proof.MaxClaimable
	return prep, nil
}

// SnapshotFor returns the committed snapshot behind root, or storage.ErrNotFound.
func (c *Conditions) SnapshotFor(ctx context.Context, root common.Hash) (*Snapshot, error) {
	meta, _, err := LoadMetadata(ctx, c.drop, c.storage)
	if err != nil {
		return nil, err
	}
	snap, err := FetchSnapshot(ctx, c.storage, meta.Merkle, root)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("merkle root %s: %w", root.Hex(), storage.ErrNotFound)
	}
	return snap, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
