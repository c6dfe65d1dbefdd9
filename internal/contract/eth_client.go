package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// EthClient talks to a deployed drop contract over JSON-RPC.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	rpcURL    string
	chainID   *big.Int
	transacts *bind.TransactOpts
	log       *zap.Logger

	tokenMu sync.Mutex
	tokens  map[common.Address]*bind.BoundContract
}

type EthClientConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
}

// NewEthClient dials the RPC endpoint. Without a private key the client is
// read-only and Multicall returns ErrReadOnly.
func NewEthClient(ctx context.Context, cfg EthClientConfig, log *zap.Logger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid drop contract address %q", cfg.ContractAddress)
	}
	if log == nil {
		log = zap.NewNop()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	c := &EthClient{
		client:   cli,
		contract: bind.NewBoundContract(address, dropABI, cli, cli, cli),
		address:  address,
		rpcURL:   cfg.RPCURL,
		chainID:  chainID,
		log:      log.With(zap.String("contract", address.Hex())),
		tokens:   make(map[common.Address]*bind.BoundContract),
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := ParsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			cli.Close()
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = 0 // let node estimate
		c.transacts = txOpts
	}
	return c, nil
}

func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Address() common.Address { return c.address }

func (c *EthClient) Close() { c.client.Close() }

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classifyCallError(method, err)
	}
	return out, nil
}

func (c *EthClient) ActiveClaimConditionID(ctx context.Context, tokenID *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, "getActiveClaimConditionId", tokenID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthClient) ClaimConditionByID(ctx context.Context, tokenID, conditionID *big.Int) (ClaimConditionStruct, error) {
	out, err := c.call(ctx, "getClaimConditionById", tokenID, conditionID)
	if err != nil {
		return ClaimConditionStruct{}, err
	}
	return *abi.ConvertType(out[0], new(ClaimConditionStruct)).(*ClaimConditionStruct), nil
}

func (c *EthClient) ClaimConditionState(ctx context.Context, tokenID *big.Int) (ClaimConditionState, error) {
	out, err := c.call(ctx, "claimCondition", tokenID)
	if err != nil {
		return ClaimConditionState{}, err
	}
	return ClaimConditionState{
		CurrentStartID: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		Count:          *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
	}, nil
}

func (c *EthClient) VerifyClaimMerkleProof(ctx context.Context, req MerkleProofRequest) (bool, error) {
	proofs := make([][32]byte, len(req.Proof))
	for i, p := range req.Proof {
		proofs[i] = p
	}
	out, err := c.call(ctx, "verifyClaimMerkleProof",
		req.ConditionID, req.Claimer, req.TokenID, req.Quantity, proofs, req.MaxClaimable)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *EthClient) ClaimTimestamp(ctx context.Context, tokenID, conditionID *big.Int, claimer common.Address) (ClaimTimestamp, error) {
	out, err := c.call(ctx, "getClaimTimestamp", tokenID, conditionID, claimer)
	if err != nil {
		return ClaimTimestamp{}, err
	}
	return ClaimTimestamp{
		Last: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		Next: *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
	}, nil
}

func (c *EthClient) BalanceOf(ctx context.Context, holder common.Address, tokenID *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, "balanceOf", holder, tokenID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthClient) ContractURI(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "contractURI")
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (c *EthClient) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	out, err := c.call(ctx, "hasRole", role, account)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// VerifyMintRequest asks the token contract whether sig authorizes req: the
// signer must hold the minter role and the uid must be unused.
func (c *EthClient) VerifyMintRequest(ctx context.Context, req MintRequest, sig []byte) (bool, common.Address, error) {
	var out []interface{}
	b := bind.NewBoundContract(c.address, tokenABI, c.client, c.client, c.client)
	if err := b.Call(&bind.CallOpts{Context: ctx}, &out, "verify", req, sig); err != nil {
		return false, common.Address{}, classifyCallError("verify", err)
	}
	ok := *abi.ConvertType(out[0], new(bool)).(*bool)
	signer := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	return ok, signer, nil
}

func (c *EthClient) EncodeSetContractURI(uri string) ([]byte, error) {
	return dropABI.Pack("setContractURI", uri)
}

func (c *EthClient) EncodeSetClaimConditions(tokenID *big.Int, conditions []ClaimConditionStruct, resetEligibility bool) ([]byte, error) {
	return dropABI.Pack("setClaimConditions", tokenID, conditions, resetEligibility)
}

func (c *EthClient) Multicall(ctx context.Context, calls [][]byte) (Receipt, error) {
	if c.transacts == nil {
		return Receipt{}, ErrReadOnly
	}
	info := TxInfo{
		From:    c.transacts.From.Hex(),
		To:      c.address.Hex(),
		ChainID: c.chainID,
		RPCURL:  c.rpcURL,
	}
	if packed, err := dropABI.Pack("multicall", calls); err == nil {
		info.Data = packed
	}

	opts := *c.transacts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "multicall", calls)
	if err != nil {
		return Receipt{}, ConvertTxError(err, info)
	}
	c.log.Info("multicall submitted", zap.String("tx", tx.Hash().Hex()), zap.Int("calls", len(calls)))

	receipt, err := WaitForReceipt(ctx, c.client, tx)
	if err != nil {
		return Receipt{}, ConvertTxError(err, info)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, ConvertTxError(fmt.Errorf("transaction %s reverted", tx.Hash().Hex()), info)
	}
	return Receipt{TxHash: tx.Hash(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (c *EthClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *EthClient) NativeBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, holder, nil)
}

func (c *EthClient) token(addr common.Address) *bind.BoundContract {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if b, ok := c.tokens[addr]; ok {
		return b
	}
	b := bind.NewBoundContract(addr, erc20ABI, c.client, c.client, c.client)
	c.tokens[addr] = b
	return b
}

func (c *EthClient) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("erc20 balanceOf: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c *EthClient) TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error) {
	b := c.token(token)
	opts := &bind.CallOpts{Context: ctx}
	var meta TokenMetadata
	for _, field := range []string{"name", "symbol", "decimals"} {
		var out []interface{}
		if err := b.Call(opts, &out, field); err != nil {
			return TokenMetadata{}, fmt.Errorf("erc20 %s: %w", field, err)
		}
		switch field {
		case "name":
			meta.Name = *abi.ConvertType(out[0], new(string)).(*string)
		case "symbol":
			meta.Symbol = *abi.ConvertType(out[0], new(string)).(*string)
		case "decimals":
			meta.Decimals = *abi.ConvertType(out[0], new(uint8)).(*uint8)
		}
	}
	return meta, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
