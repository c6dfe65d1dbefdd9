package sigmint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dropgate/internal/claim"
	"dropgate/internal/contract"
)

const maxRoyaltyBps = 10_000

// PayloadInput is a mint request before defaults are applied.
type PayloadInput struct {
	To                   string          `json:"to,omitempty"`
	TokenID              claim.Numberish `json:"tokenId,omitempty"`
	Metadata             json.RawMessage `json:"metadata"`
	Quantity             claim.Numberish `json:"quantity"`
	Price                claim.Numberish `json:"price,omitempty"`
	CurrencyAddress      string          `json:"currencyAddress,omitempty"`
	MintStartTime        claim.Numberish `json:"mintStartTime,omitempty"`
	MintEndTime          claim.Numberish `json:"mintEndTime,omitempty"`
	UID                  string          `json:"uid,omitempty"`
	RoyaltyRecipient     string          `json:"royaltyRecipient,omitempty"`
	RoyaltyBps           claim.Numberish `json:"royaltyBps,omitempty"`
	PrimarySaleRecipient string          `json:"primarySaleRecipient,omitempty"`
}

// Payload is a filled mint request. URI is set once the metadata is stored.
type Payload struct {
	To                   common.Address  `json:"to"`
	TokenID              *big.Int        `json:"tokenId"`
	Metadata             json.RawMessage `json:"metadata"`
	URI                  string          `json:"uri"`
	Quantity             *big.Int        `json:"quantity"`
	Price                string          `json:"price"`
	CurrencyAddress      common.Address  `json:"currencyAddress"`
	MintStartTime        int64           `json:"mintStartTime"`
	MintEndTime          int64           `json:"mintEndTime"`
	UID                  common.Hash     `json:"uid"`
	RoyaltyRecipient     common.Address  `json:"royaltyRecipient"`
	RoyaltyBps           uint64          `json:"royaltyBps"`
	PrimarySaleRecipient common.Address  `json:"primarySaleRecipient"`
}

// SignedPayload is a payload with the minter's EIP-712 signature.
type SignedPayload struct {
	Payload   Payload       `json:"payload"`
	Signature hexutil.Bytes `json:"signature"`
}

// InputError reports an invalid mint request field.
type InputError struct {
	Index  int
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("payload[%d].%s: %s", e.Index, e.Field, e.Reason)
}

// Fill validates in and applies the defaults: open recipient, a new token id,
// free native price, a validity window of ten years from now and a random uid.
func Fill(index int, in PayloadInput, now time.Time) (Payload, error) {
	fail := func(field string, err error) (Payload, error) {
		return Payload{}, &InputError{Index: index, Field: field, Reason: err.Error()}
	}
	var (
		p   Payload
		err error
	)

	if p.To, err = optionalAddress(in.To, common.Address{}); err != nil {
		return fail("to", err)
	}
	if p.TokenID, err = claim.ParseQuantity(in.TokenID, math.MaxBig256); err != nil {
		return fail("tokenId", err)
	}
	if p.Metadata, err = normalizeMetadata(in.Metadata); err != nil {
		return fail("metadata", err)
	}
	if p.Quantity, err = claim.ParseQuantity(in.Quantity, new(big.Int)); err != nil {
		return fail("quantity", err)
	}
	if p.Quantity.Sign() == 0 {
		return fail("quantity", fmt.Errorf("must be greater than zero"))
	}
	price, err := claim.ParsePrice(in.Price)
	if err != nil {
		return fail("price", err)
	}
	p.Price = price.String()
	if p.CurrencyAddress, err = optionalAddress(in.CurrencyAddress, contract.NativeTokenAddress); err != nil {
		return fail("currencyAddress", err)
	}
	if p.CurrencyAddress == (common.Address{}) {
		p.CurrencyAddress = contract.NativeTokenAddress
	}

	start, err := claim.ParseTimestamp(in.MintStartTime, now)
	if err != nil {
		return fail("mintStartTime", err)
	}
	end, err := claim.ParseTimestamp(in.MintEndTime, now.AddDate(10, 0, 0))
	if err != nil {
		return fail("mintEndTime", err)
	}
	if !end.After(start) {
		return fail("mintEndTime", fmt.Errorf("must be after mintStartTime"))
	}
	p.MintStartTime, p.MintEndTime = start.Unix(), end.Unix()

	if p.UID, err = resolveUID(in.UID); err != nil {
		return fail("uid", err)
	}
	if p.RoyaltyRecipient, err = optionalAddress(in.RoyaltyRecipient, common.Address{}); err != nil {
		return fail("royaltyRecipient", err)
	}
	bps, err := claim.ParseQuantity(in.RoyaltyBps, new(big.Int))
	if err != nil {
		return fail("royaltyBps", err)
	}
	if bps.Cmp(big.NewInt(maxRoyaltyBps)) > 0 {
		return fail("royaltyBps", fmt.Errorf("must be at most %d", maxRoyaltyBps))
	}
	p.RoyaltyBps = bps.Uint64()
	if p.PrimarySaleRecipient, err = optionalAddress(in.PrimarySaleRecipient, common.Address{}); err != nil {
		return fail("primarySaleRecipient", err)
	}
	return p, nil
}

func optionalAddress(s string, fallback common.Address) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// normalizeMetadata requires a JSON object with a name and compacts it.
func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("required")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("must be a JSON object: %w", err)
	}
	name, _ := fields["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resolveUID accepts a bytes32 hex string. Without one it packs a fresh
// uuid's 32 hex digits into the bytes32.
func resolveUID(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		var uid common.Hash
		copy(uid[:], strings.ReplaceAll(uuid.NewString(), "-", ""))
		return uid, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func (p Payload) mintRequest(pricePerToken *big.Int) contract.MintRequest {
	return contract.MintRequest{
		To:                     p.To,
		RoyaltyRecipient:       p.RoyaltyRecipient,
		RoyaltyBps:             new(big.Int).SetUint64(p.RoyaltyBps),
		PrimarySaleRecipient:   p.PrimarySaleRecipient,
		TokenId:                p.TokenID,
		Uri:                    p.URI,
		Quantity:               p.Quantity,
		PricePerToken:          pricePerToken,
		Currency:               p.CurrencyAddress,
		ValidityStartTimestamp: big.NewInt(p.MintStartTime),
		ValidityEndTimestamp:   big.NewInt(p.MintEndTime),
		Uid:                    p.UID,
	}
}

func (p Payload) pricePerToken(decimals uint8) (*big.Int, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	return claim.ToBaseUnits(price, decimals)
}
