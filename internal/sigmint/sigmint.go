package sigmint

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"dropgate/internal/contract"
	"dropgate/internal/storage"
)

var ErrInvalidSignature = errors.New("invalid signature")

// MissingRoleError is returned when an account lacks a contract role.
type MissingRoleError struct {
	Account common.Address
	Role    contract.Role
}

func (e *MissingRoleError) Error() string {
	return fmt.Sprintf("%s does not have the %s role", e.Account.Hex(), e.Role)
}

// TokenContract is the token contract surface needed to authorize signers
// and check mint requests.
type TokenContract interface {
	Address() common.Address
	HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error)
	VerifyMintRequest(ctx context.Context, req contract.MintRequest, sig []byte) (bool, common.Address, error)
}

type Config struct {
	Native contract.TokenMetadata
	Now    func() time.Time
}

// Minter signs and verifies mint requests for an ERC-1155 token contract.
type Minter struct {
	token   TokenContract
	chain   contract.Chain
	storage storage.Storage
	key     *ecdsa.PrivateKey
	signer  common.Address
	log     *zap.Logger
	cfg     Config
}

// New returns a Minter. key may be nil, in which case only Verify works.
func New(token TokenContract, chain contract.Chain, st storage.Storage, key *ecdsa.PrivateKey, log *zap.Logger, cfg Config) *Minter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Native.Symbol == "" {
		cfg.Native = contract.TokenMetadata{Name: "Ether", Symbol: "ETH", Decimals: 18}
	}
	m := &Minter{token: token, chain: chain, storage: st, key: key, log: log, cfg: cfg}
	if key != nil {
		m.signer = crypto.PubkeyToAddress(key.PublicKey)
	}
	return m
}

// Signer is the address signatures are produced with.
func (m *Minter) Signer() common.Address { return m.signer }

func (m *Minter) Generate(ctx context.Context, in PayloadInput) (SignedPayload, error) {
	signed, err := m.GenerateBatch(ctx, []PayloadInput{in})
	if err != nil {
		return SignedPayload{}, err
	}
	return signed[0], nil
}

// GenerateBatch validates every request, stores the token metadata and signs
// each request with the minter key.
func (m *Minter) GenerateBatch(ctx context.Context, inputs []PayloadInput) ([]SignedPayload, error) {
	if m.key == nil {
		return nil, contract.ErrReadOnly
	}
	if err := m.requireMinter(ctx, m.signer); err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	payloads := make([]Payload, len(inputs))
	metadata := make([][]byte, len(inputs))
	for i, in := range inputs {
		p, err := Fill(i, in, now)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
		metadata[i] = p.Metadata
	}

	uris, err := storage.UploadBatch(ctx, m.storage, metadata)
	if err != nil {
		return nil, fmt.Errorf("upload token metadata: %w", err)
	}
	chainID, err := m.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	out := make([]SignedPayload, len(payloads))
	for i, p := range payloads {
		p.URI = uris[i]
		hash, err := m.digest(ctx, chainID, p)
		if err != nil {
			return nil, err
		}
		sig, err := crypto.Sign(hash, m.key)
		if err != nil {
			return nil, fmt.Errorf("sign mint request: %w", err)
		}
		sig[crypto.RecoveryIDOffset] += 27
		out[i] = SignedPayload{Payload: p, Signature: sig}
	}
	m.log.Info("mint requests signed", zap.Int("count", len(out)), zap.String("signer", m.signer.Hex()))
	return out, nil
}

// Verify reports whether the token contract would accept signed: the signer
// holds the minter role and the uid has not been minted.
func (m *Minter) Verify(ctx context.Context, signed SignedPayload) (bool, error) {
	signer, err := m.Recover(ctx, signed)
	if errors.Is(err, ErrInvalidSignature) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	req, err := m.mintRequest(ctx, signed.Payload)
	if err != nil {
		return false, err
	}
	ok, onChainSigner, err := m.token.VerifyMintRequest(ctx, req, signed.Signature)
	if err != nil {
		return false, fmt.Errorf("verify mint request: %w", err)
	}
	return ok && onChainSigner == signer, nil
}

// Recover returns the address that signed the payload.
func (m *Minter) Recover(ctx context.Context, signed SignedPayload) (common.Address, error) {
	if len(signed.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signed.Signature))
	}
	if signed.Payload.TokenID == nil || signed.Payload.Quantity == nil {
		return common.Address{}, fmt.Errorf("%w: payload is missing tokenId or quantity", ErrInvalidSignature)
	}
	chainID, err := m.chain.ChainID(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("read chain id: %w", err)
	}
	req, err := m.mintRequest(ctx, signed.Payload)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := contract.RecoverMintSigner(chainID, m.token.Address(), req, signed.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return signer, nil
}

func (m *Minter) requireMinter(ctx context.Context, account common.Address) error {
	ok, err := m.token.HasRole(ctx, contract.MustRoleHash(contract.RoleMinter), account)
	if err != nil {
		return fmt.Errorf("check minter role: %w", err)
	}
	if !ok {
		return &MissingRoleError{Account: account, Role: contract.RoleMinter}
	}
	return nil
}

func (m *Minter) digest(ctx context.Context, chainID *big.Int, p Payload) ([]byte, error) {
	req, err := m.mintRequest(ctx, p)
	if err != nil {
		return nil, err
	}
	return contract.MintRequestDigest(chainID, m.token.Address(), req)
}

// mintRequest converts p into the contract tuple, pricing it in the
// currency's base units.
func (m *Minter) mintRequest(ctx context.Context, p Payload) (contract.MintRequest, error) {
	decimals := m.cfg.Native.Decimals
	if !contract.IsNativeToken(p.CurrencyAddress) {
		meta, err := m.chain.TokenMetadata(ctx, p.CurrencyAddress)
		if err != nil {
			return contract.MintRequest{}, fmt.Errorf("currency metadata for %s: %w", p.CurrencyAddress.Hex(), err)
		}
		decimals = meta.Decimals
	}
	price, err := p.pricePerToken(decimals)
	if err != nil {
		return contract.MintRequest{}, err
	}
	return p.mintRequest(price), nil
}
