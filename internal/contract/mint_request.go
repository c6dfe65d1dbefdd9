package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TokenABI is the TokenERC1155 signature-mint surface.
const TokenABI = `[
{"type":"function","name":"verify","stateMutability":"view",
 "inputs":[{"name":"_req","type":"tuple","components":[
   {"name":"to","type":"address"},
   {"name":"royaltyRecipient","type":"address"},
   {"name":"royaltyBps","type":"uint256"},
   {"name":"primarySaleRecipient","type":"address"},
   {"name":"tokenId","type":"uint256"},
   {"name":"uri","type":"string"},
   {"name":"quantity","type":"uint256"},
   {"name":"pricePerToken","type":"uint256"},
   {"name":"currency","type":"address"},
   {"name":"validityStartTimestamp","type":"uint128"},
   {"name":"validityEndTimestamp","type":"uint128"},
   {"name":"uid","type":"bytes32"}]},
  {"name":"_signature","type":"bytes"}],
 "outputs":[{"name":"success","type":"bool"},{"name":"signer","type":"address"}]}
]`

var tokenABI = mustParseABI(TokenABI)

const (
	mintDomainName    = "TokenERC1155"
	mintDomainVersion = "1"
)

var mintRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MintRequest": {
		{Name: "to", Type: "address"},
		{Name: "royaltyRecipient", Type: "address"},
		{Name: "royaltyBps", Type: "uint256"},
		{Name: "primarySaleRecipient", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "uri", Type: "string"},
		{Name: "quantity", Type: "uint256"},
		{Name: "pricePerToken", Type: "uint256"},
		{Name: "currency", Type: "address"},
		{Name: "validityStartTimestamp", Type: "uint128"},
		{Name: "validityEndTimestamp", Type: "uint128"},
		{Name: "uid", Type: "bytes32"},
	},
}

// MintRequest mirrors the on-chain MintRequest tuple.
type MintRequest struct {
	To                     common.Address
	RoyaltyRecipient       common.Address
	RoyaltyBps             *big.Int
	PrimarySaleRecipient   common.Address
	TokenId                *big.Int
	Uri                    string
	Quantity               *big.Int
	PricePerToken          *big.Int
	Currency               common.Address
	ValidityStartTimestamp *big.Int
	ValidityEndTimestamp   *big.Int
	Uid                    [32]byte
}

// MintRequestTypedData is the EIP-712 document a minter signs for req.
func MintRequestTypedData(chainID *big.Int, verifyingContract common.Address, req MintRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       mintRequestTypes,
		PrimaryType: "MintRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              mintDomainName,
			Version:           mintDomainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":                     req.To.Hex(),
			"royaltyRecipient":       req.RoyaltyRecipient.Hex(),
			"royaltyBps":             cloneInt(req.RoyaltyBps).String(),
			"primarySaleRecipient":   req.PrimarySaleRecipient.Hex(),
			"tokenId":                cloneInt(req.TokenId).String(),
			"uri":                    req.Uri,
			"quantity":               cloneInt(req.Quantity).String(),
			"pricePerToken":          cloneInt(req.PricePerToken).String(),
			"currency":               req.Currency.Hex(),
			"validityStartTimestamp": cloneInt(req.ValidityStartTimestamp).String(),
			"validityEndTimestamp":   cloneInt(req.ValidityEndTimestamp).String(),
			"uid":                    hexutil.Encode(req.Uid[:]),
		},
	}
}

func MintRequestDigest(chainID *big.Int, verifyingContract common.Address, req MintRequest) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(MintRequestTypedData(chainID, verifyingContract, req))
	if err != nil {
		return nil, fmt.Errorf("hash mint request: %w", err)
	}
	return hash, nil
}

// RecoverMintSigner returns the account that produced sig over req. sig may
// carry a recovery id of 0/1 or 27/28.
func RecoverMintSigner(chainID *big.Int, verifyingContract common.Address, req MintRequest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	hash, err := MintRequestDigest(chainID, verifyingContract, req)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
