package contract

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DropABI covers the DropERC1155 surface this service reads and writes.
const DropABI = `[
{"type":"function","name":"getActiveClaimConditionId","stateMutability":"view",
 "inputs":[{"name":"_tokenId","type":"uint256"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getClaimConditionById","stateMutability":"view",
 "inputs":[{"name":"_tokenId","type":"uint256"},{"name":"_conditionId","type":"uint256"}],
 "outputs":[{"name":"condition","type":"tuple","components":[
  {"name":"startTimestamp","type":"uint256"},
  {"name":"maxClaimableSupply","type":"uint256"},
  {"name":"supplyClaimed","type":"uint256"},
  {"name":"quantityLimitPerTransaction","type":"uint256"},
  {"name":"waitTimeInSecondsBetweenClaims","type":"uint256"},
  {"name":"merkleRoot","type":"bytes32"},
  {"name":"pricePerToken","type":"uint256"},
  {"name":"currency","type":"address"}]}]},
{"type":"function","name":"claimCondition","stateMutability":"view",
 "inputs":[{"name":"","type":"uint256"}],
 "outputs":[{"name":"currentStartId","type":"uint256"},{"name":"count","type":"uint256"}]},
{"type":"function","name":"verifyClaimMerkleProof","stateMutability":"view",
 "inputs":[{"name":"_conditionId","type":"uint256"},{"name":"_claimer","type":"address"},
  {"name":"_tokenId","type":"uint256"},{"name":"_quantity","type":"uint256"},
  {"name":"_proofs","type":"bytes32[]"},{"name":"_proofMaxQuantityPerTransaction","type":"uint256"}],
 "outputs":[{"name":"validMerkleProof","type":"bool"},{"name":"merkleProofIndex","type":"uint256"}]},
{"type":"function","name":"getClaimTimestamp","stateMutability":"view",
 "inputs":[{"name":"_tokenId","type":"uint256"},{"name":"_conditionId","type":"uint256"},{"name":"_claimer","type":"address"}],
 "outputs":[{"name":"lastClaimTimestamp","type":"uint256"},{"name":"nextValidClaimTimestamp","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"contractURI","stateMutability":"view",
 "inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"setContractURI","stateMutability":"nonpayable",
 "inputs":[{"name":"_uri","type":"string"}],"outputs":[]},
{"type":"function","name":"setClaimConditions","stateMutability":"nonpayable",
 "inputs":[{"name":"_tokenId","type":"uint256"},
  {"name":"_phases","type":"tuple[]","components":[
   {"name":"startTimestamp","type":"uint256"},
   {"name":"maxClaimableSupply","type":"uint256"},
   {"name":"supplyClaimed","type":"uint256"},
   {"name":"quantityLimitPerTransaction","type":"uint256"},
   {"name":"waitTimeInSecondsBetweenClaims","type":"uint256"},
   {"name":"merkleRoot","type":"bytes32"},
   {"name":"pricePerToken","type":"uint256"},
   {"name":"currency","type":"address"}]},
  {"name":"_resetClaimEligibility","type":"bool"}],
 "outputs":[]},
{"type":"function","name":"multicall","stateMutability":"nonpayable",
 "inputs":[{"name":"data","type":"bytes[]"}],
 "outputs":[{"name":"results","type":"bytes[]"}]},
{"type":"function","name":"hasRole","stateMutability":"view",
 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
 "outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI is the subset of ERC-20 used for price checks and currency metadata.
const ERC20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	dropABI  = mustParseABI(DropABI)
	erc20ABI = mustParseABI(ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ClaimConditionStruct mirrors the on-chain ClaimCondition tuple.
type ClaimConditionStruct struct {
	StartTimestamp                 *big.Int
	MaxClaimableSupply             *big.Int
	SupplyClaimed                  *big.Int
	QuantityLimitPerTransaction    *big.Int
	WaitTimeInSecondsBetweenClaims *big.Int
	MerkleRoot                     [32]byte
	PricePerToken                  *big.Int
	Currency                       common.Address
}

func (c ClaimConditionStruct) clone() ClaimConditionStruct {
	cp := c
	cp.StartTimestamp = cloneInt(c.StartTimestamp)
	cp.MaxClaimableSupply = cloneInt(c.MaxClaimableSupply)
	cp.SupplyClaimed = cloneInt(c.SupplyClaimed)
	cp.QuantityLimitPerTransaction = cloneInt(c.QuantityLimitPerTransaction)
	cp.WaitTimeInSecondsBetweenClaims = cloneInt(c.WaitTimeInSecondsBetweenClaims)
	cp.PricePerToken = cloneInt(c.PricePerToken)
	return cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ClaimConditionState is the (currentStartId, count) window of a token's phases.
type ClaimConditionState struct {
	CurrentStartID *big.Int
	Count          *big.Int
}

// ClaimTimestamp holds the claimer's last claim and the earliest next claim.
type ClaimTimestamp struct {
	Last *big.Int
	Next *big.Int
}

// TokenMetadata describes a currency.
type TokenMetadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}
