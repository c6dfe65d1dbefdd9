package claim

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// ClaimEligibility is a reason a wallet cannot claim right now.
type ClaimEligibility string

const (
	NotEnoughSupply                ClaimEligibility = "NotEnoughSupply"
	AddressNotAllowed              ClaimEligibility = "AddressNotAllowed"
	WaitBeforeNextClaimTransaction ClaimEligibility = "WaitBeforeNextClaimTransaction"
	AlreadyClaimed                 ClaimEligibility = "AlreadyClaimed"
	NotEnoughTokens                ClaimEligibility = "NotEnoughTokens"
	NoActiveClaimPhase             ClaimEligibility = "NoActiveClaimPhase"
	NoClaimConditionSet            ClaimEligibility = "NoClaimConditionSet"
	NoWallet                       ClaimEligibility = "NoWallet"
	Unknown                        ClaimEligibility = "Unknown"
)

var eligibilityMessages = map[ClaimEligibility]string{
	NotEnoughSupply:                "There is not enough supply to claim.",
	AddressNotAllowed:              "This address is not on the allowlist.",
	WaitBeforeNextClaimTransaction: "Not enough time since last claim transaction. Please wait.",
	AlreadyClaimed:                 "You have already claimed the token.",
	NotEnoughTokens:                "There are not enough tokens in the wallet to pay for the claim.",
	NoActiveClaimPhase:             "There is no active claim phase at the moment. Please check back in later.",
	NoClaimConditionSet:            "There is no claim condition set.",
	NoWallet:                       "No wallet connected.",
	Unknown:                        "No claim conditions found.",
}

func (c ClaimEligibility) Message() string {
	if msg, ok := eligibilityMessages[c]; ok {
		return msg
	}
	return string(c)
}

// Unlimited is how quantities equal to 2^256-1 are shown and accepted.
const Unlimited = "unlimited"

func isUnlimited(v *big.Int) bool {
	return v != nil && v.Cmp(math.MaxBig256) == 0
}

func formatQuantity(v *big.Int) string {
	if v == nil {
		return "0"
	}
	if isUnlimited(v) {
		return Unlimited
	}
	return v.String()
}

// CurrencyValue is an amount of a currency with its metadata.
type CurrencyValue struct {
	Name         string   `json:"name"`
	Symbol       string   `json:"symbol"`
	Decimals     uint8    `json:"decimals"`
	Value        *big.Int `json:"-"`
	DisplayValue string   `json:"displayValue"`
}

func (c CurrencyValue) MarshalJSON() ([]byte, error) {
	type view CurrencyValue
	return json.Marshal(struct {
		view
		Value string `json:"value"`
	}{view: view(c), Value: formatQuantity(c.Value)})
}

// SnapshotEntry is one allowlisted address as shown on a claim condition.
type SnapshotEntry struct {
	Address      common.Address `json:"address"`
	MaxClaimable string         `json:"maxClaimable"`
}

// ClaimCondition is an on-chain claim phase in display form.
type ClaimCondition struct {
	StartTime                   time.Time
	CurrencyAddress             common.Address
	Price                       *big.Int
	CurrencyMetadata            CurrencyValue
	MaxQuantity                 *big.Int
	QuantityLimitPerTransaction *big.Int
	WaitInSeconds               *big.Int
	SupplyClaimed               *big.Int
	AvailableSupply             *big.Int
	MerkleRootHash              common.Hash
	Snapshot                    []SnapshotEntry
}

func (c ClaimCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		StartTime                   time.Time       `json:"startTime"`
		CurrencyAddress             common.Address  `json:"currencyAddress"`
		Price                       string          `json:"price"`
		CurrencyMetadata            CurrencyValue   `json:"currencyMetadata"`
		MaxQuantity                 string          `json:"maxQuantity"`
		QuantityLimitPerTransaction string          `json:"quantityLimitPerTransaction"`
		WaitInSeconds               string          `json:"waitInSeconds"`
		SupplyClaimed               string          `json:"supplyClaimed"`
		AvailableSupply             string          `json:"availableSupply"`
		MerkleRootHash              common.Hash     `json:"merkleRootHash"`
		Snapshot                    []SnapshotEntry `json:"snapshot,omitempty"`
	}{
		StartTime:                   c.StartTime.UTC(),
		CurrencyAddress:             c.CurrencyAddress,
		Price:                       formatQuantity(c.Price),
		CurrencyMetadata:            c.CurrencyMetadata,
		MaxQuantity:                 formatQuantity(c.MaxQuantity),
		QuantityLimitPerTransaction: formatQuantity(c.QuantityLimitPerTransaction),
		WaitInSeconds:               formatQuantity(c.WaitInSeconds),
		SupplyClaimed:               formatQuantity(c.SupplyClaimed),
		AvailableSupply:             formatQuantity(c.AvailableSupply),
		MerkleRootHash:              c.MerkleRootHash,
		Snapshot:                    c.Snapshot,
	})
}

// ClaimConditionInput is a user supplied claim phase. Every field is optional.
type ClaimConditionInput struct {
	StartTime                   Numberish            `json:"startTime,omitempty"`
	CurrencyAddress             string               `json:"currencyAddress,omitempty"`
	Price                       Numberish            `json:"price,omitempty"`
	MaxQuantity                 Numberish            `json:"maxQuantity,omitempty"`
	QuantityLimitPerTransaction Numberish            `json:"quantityLimitPerTransaction,omitempty"`
	WaitInSeconds               Numberish            `json:"waitInSeconds,omitempty"`
	MerkleRootHash              string               `json:"merkleRootHash,omitempty"`
	Snapshot                    []SnapshotEntryInput `json:"snapshot,omitempty"`
}

// Snapshot is a committed allowlist: the root plus every claim and its proof.
type Snapshot struct {
	MerkleRoot common.Hash     `json:"merkleRoot"`
	Claims     []SnapshotClaim `json:"claims"`
}

type SnapshotClaim struct {
	Address      common.Address `json:"address"`
	MaxClaimable Numberish      `json:"maxClaimable"`
	Proof        []common.Hash  `json:"proof"`
}

// SnapshotInfo is a snapshot together with the URI it was stored under.
type SnapshotInfo struct {
	MerkleRoot  common.Hash `json:"merkleRoot"`
	SnapshotURI string      `json:"snapshotUri"`
	Snapshot    Snapshot    `json:"snapshot"`
}
