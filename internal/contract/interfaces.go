package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NativeTokenAddress is the sentinel currency address for the chain's native token.
var NativeTokenAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

func IsNativeToken(addr common.Address) bool {
	return addr == NativeTokenAddress || addr == (common.Address{})
}

// DropContract is the drop contract surface used by the claim-conditions service.
type DropContract interface {
	Address() common.Address

	ActiveClaimConditionID(ctx context.Context, tokenID *big.Int) (*big.Int, error)
	ClaimConditionByID(ctx context.Context, tokenID, conditionID *big.Int) (ClaimConditionStruct, error)
	ClaimConditionState(ctx context.Context, tokenID *big.Int) (ClaimConditionState, error)
	VerifyClaimMerkleProof(ctx context.Context, req MerkleProofRequest) (bool, error)
	ClaimTimestamp(ctx context.Context, tokenID, conditionID *big.Int, claimer common.Address) (ClaimTimestamp, error)
	BalanceOf(ctx context.Context, holder common.Address, tokenID *big.Int) (*big.Int, error)
	ContractURI(ctx context.Context) (string, error)
	HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error)

	EncodeSetContractURI(uri string) ([]byte, error)
	EncodeSetClaimConditions(tokenID *big.Int, conditions []ClaimConditionStruct, resetEligibility bool) ([]byte, error)
	// Multicall submits calls as one transaction and returns once it is mined.
	Multicall(ctx context.Context, calls [][]byte) (Receipt, error)
}

// Chain covers chain-level reads: balances and currency metadata.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error)
}

// HealthChecker is implemented by clients backed by a live RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type MerkleProofRequest struct {
	ConditionID  *big.Int
	Claimer      common.Address
	TokenID      *big.Int
	Quantity     *big.Int
	Proof        []common.Hash
	MaxClaimable *big.Int
}

type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
}
