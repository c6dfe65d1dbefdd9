package claim

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"dropgate/internal/contract"
	"dropgate/internal/merkle"
)

// ValidationError reports a malformed claim condition field.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("condition[%d].%s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ParsedCondition is a claim condition after validation and defaulting. The
// price is still in display units; it needs the currency decimals to become
// an on-chain amount.
type ParsedCondition struct {
	StartTime                   time.Time
	Currency                    common.Address
	Price                       decimal.Decimal
	MaxQuantity                 *big.Int
	QuantityLimitPerTransaction *big.Int
	WaitInSeconds               *big.Int
	MerkleRoot                  common.Hash
	Snapshot                    []merkle.Entry
}

// ParseCondition validates in and applies defaults.
func ParseCondition(index int, in ClaimConditionInput, now time.Time) (ParsedCondition, error) {
	var (
		out ParsedCondition
		err error
	)
	fail := func(field string, cause error) (ParsedCondition, error) {
		return ParsedCondition{}, &ValidationError{Index: index, Field: field, Reason: cause.Error(), Err: cause}
	}

	if out.StartTime, err = ParseTimestamp(in.StartTime, now); err != nil {
		return fail("startTime", err)
	}
	if out.Currency, err = parseCurrency(in.CurrencyAddress); err != nil {
		return fail("currencyAddress", err)
	}
	if out.Price, err = ParsePrice(in.Price); err != nil {
		return fail("price", err)
	}
	if out.MaxQuantity, err = ParseQuantity(in.MaxQuantity, math.MaxBig256); err != nil {
		return fail("maxQuantity", err)
	}
	if out.QuantityLimitPerTransaction, err = ParseQuantity(in.QuantityLimitPerTransaction, math.MaxBig256); err != nil {
		return fail("quantityLimitPerTransaction", err)
	}
	if out.WaitInSeconds, err = ParseQuantity(in.WaitInSeconds, new(big.Int)); err != nil {
		return fail("waitInSeconds", err)
	}
	if out.MerkleRoot, err = merkle.ParseRoot(in.MerkleRootHash); err != nil {
		return fail("merkleRootHash", err)
	}
	if len(in.Snapshot) > 0 {
		if out.Snapshot, err = ParseSnapshotEntries(in.Snapshot); err != nil {
			return fail("snapshot", err)
		}
	}
	return out, nil
}

// ParseConditions parses every input and orders the result by start time.
// Two phases may not start at the same second.
func ParseConditions(inputs []ClaimConditionInput, now time.Time) ([]ParsedCondition, error) {
	parsed := make([]ParsedCondition, 0, len(inputs))
	for i, in := range inputs {
		p, err := ParseCondition(i, in, now)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	sort.SliceStable(parsed, func(i, j int) bool {
		return parsed[i].StartTime.Before(parsed[j].StartTime)
	})
	for i := 1; i < len(parsed); i++ {
		if parsed[i].StartTime.Unix() == parsed[i-1].StartTime.Unix() {
			return nil, &ValidationError{Index: -1, Field: "startTime", Reason: "two conditions start at the same time"}
		}
	}
	return parsed, nil
}

// MaxTimestamp is the latest accepted start or end time, 9999-12-31T23:59:59Z.
// Later instants have no RFC3339 form.
const MaxTimestamp int64 = 253402300799

// ParseTimestamp accepts unix seconds or an RFC3339 date. Empty means now.
// Values before the epoch or after MaxTimestamp are rejected.
func ParseTimestamp(v Numberish, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return now, nil
	}
	if d, err := decimal.NewFromString(s); err == nil {
		if d.IsNegative() || !d.Equal(d.Truncate(0)) {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %q", s)
		}
		if d.GreaterThan(decimal.NewFromInt(MaxTimestamp)) {
			return time.Time{}, fmt.Errorf("unix timestamp %q is out of range", s)
		}
		return time.Unix(d.IntPart(), 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected unix seconds or RFC3339, got %q", s)
	}
	if t.Unix() < 0 || t.Unix() > MaxTimestamp {
		return time.Time{}, fmt.Errorf("timestamp %q is out of range", s)
	}
	return t, nil
}

// ParseQuantity accepts a non-negative integer or "unlimited".
func ParseQuantity(v Numberish, fallback *big.Int) (*big.Int, error) {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return new(big.Int).Set(fallback), nil
	}
	if strings.EqualFold(s, Unlimited) {
		return new(big.Int).Set(math.MaxBig256), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("must not be negative: %q", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("must be a whole number: %q", s)
	}
	n := d.BigInt()
	if n.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("exceeds uint256: %q", s)
	}
	return n, nil
}

// ParsePrice accepts a non-negative decimal in display units. Empty means free.
func ParsePrice(v Numberish) (decimal.Decimal, error) {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative: %q", s)
	}
	return d, nil
}

// ToBaseUnits converts a display amount into the currency's smallest unit.
func ToBaseUnits(price decimal.Decimal, decimals uint8) (*big.Int, error) {
	shifted := price.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("price %s has more than %d decimal places", price.String(), decimals)
	}
	n := shifted.BigInt()
	if n.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("price %s exceeds uint256", price.String())
	}
	return n, nil
}

// DisplayValue renders a base-unit amount with the currency's decimals.
func DisplayValue(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

func parseCurrency(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return contract.NativeTokenAddress, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return contract.NativeTokenAddress, nil
	}
	return addr, nil
}

// ParseSnapshotEntries validates allowlist entries. maxClaimable defaults to 0,
// meaning no per-address cap.
func ParseSnapshotEntries(in []SnapshotEntryInput) ([]merkle.Entry, error) {
	out := make([]merkle.Entry, 0, len(in))
	seen := make(map[common.Address]struct{}, len(in))
	for i, e := range in {
		addr := strings.TrimSpace(e.Address)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("entry %d: invalid address %q", i, e.Address)
		}
		a := common.HexToAddress(addr)
		if _, dup := seen[a]; dup {
			return nil, &merkle.DuplicateLeafsError{Address: a}
		}
		seen[a] = struct{}{}
		limit, err := ParseQuantity(e.MaxClaimable, new(big.Int))
		if err != nil {
			return nil, fmt.Errorf("entry %d maxClaimable: %w", i, err)
		}
		out = append(out, merkle.Entry{Address: a, MaxClaimable: limit})
	}
	return out, nil
}
