// Package app wires configuration into running services.
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"dropgate/internal/claim"
	"dropgate/internal/config"
	"dropgate/internal/contract"
	"dropgate/internal/idempotency"
	"dropgate/internal/server"
	"dropgate/internal/sigmint"
	"dropgate/internal/storage"
)

// Services are the claim and signature services plus what they hold open.
type Services struct {
	Conditions *claim.Conditions
	Minter     *sigmint.Minter
	Health     map[string]server.HealthCheck

	closers []func()
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

type chainBackend struct {
	drop  contract.DropContract
	token sigmint.TokenContract
	chain contract.Chain
	key   *ecdsa.PrivateKey
}

// NewServices opens storage and the chain backend and builds the services.
// observe may be nil.
func NewServices(ctx context.Context, cfg *config.AppConfig, log *zap.Logger, observe storage.Observer) (*Services, error) {
	svc := &Services{Health: map[string]server.HealthCheck{}}

	st, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Storage.Backend,
		Dir:         cfg.Storage.Dir,
		PostgresDSN: cfg.Storage.PostgresDSN,
		CacheTTL:    cfg.Storage.CacheTTL,
		S3: storage.S3Config{
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Region:    cfg.Storage.S3.Region,
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
		},
	}, log, observe)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, func() {
		if err := st.Close(); err != nil {
			log.Warn("close storage", zap.Error(err))
		}
	})
	svc.Health["storage"] = st.Ping

	backend, err := openChain(ctx, cfg, log, svc)
	if err != nil {
		svc.Close()
		return nil, err
	}

	native := contract.TokenMetadata{
		Name:     cfg.Deployment.NativeCurrency.Name,
		Symbol:   cfg.Deployment.NativeCurrency.Symbol,
		Decimals: cfg.Deployment.NativeCurrency.Decimals,
	}
	svc.Conditions = claim.NewConditions(backend.drop, backend.chain, st, log.Named("claim"), claim.ConditionsConfig{
		Native:          native,
		ReadConcurrency: cfg.Service.ReadConcurrency,
	})
	svc.Minter = sigmint.New(backend.token, backend.chain, st, backend.key, log.Named("sigmint"), sigmint.Config{
		Native: native,
	})
	return svc, nil
}

func openChain(ctx context.Context, cfg *config.AppConfig, log *zap.Logger, svc *Services) (*chainBackend, error) {
	var key *ecdsa.PrivateKey
	if cfg.Chain.PrivateKey != "" {
		pk, err := contract.ParsePrivateKey(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, err
		}
		key = pk
	}

	switch cfg.Chain.Backend {
	case "fake":
		return openFakeChain(cfg, log, key)
	case "rpc":
	default:
		return nil, fmt.Errorf("unknown chain backend %q", cfg.Chain.Backend)
	}

	drop, err := contract.NewEthClient(ctx, contract.EthClientConfig{
		RPCURL:          cfg.Chain.RPCURL,
		PrivateKeyHex:   cfg.Chain.PrivateKey,
		ContractAddress: cfg.Deployment.Contracts.DropERC1155,
	}, log.Named("contract"))
	if err != nil {
		return nil, fmt.Errorf("drop contract client: %w", err)
	}
	svc.closers = append(svc.closers, drop.Close)
	svc.Health["rpc"] = drop.Ping

	chainID, err := drop.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if want := cfg.Deployment.ChainID; want != 0 && chainID.Cmp(big.NewInt(want)) != 0 {
		return nil, fmt.Errorf("rpc endpoint is on chain %s, deployment expects %d", chainID, want)
	}

	backend := &chainBackend{drop: drop, token: drop, chain: drop, key: key}
	tokenAddr := cfg.Deployment.Contracts.TokenERC1155
	if tokenAddr != "" && common.HexToAddress(tokenAddr) != drop.Address() {
		token, err := contract.NewEthClient(ctx, contract.EthClientConfig{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: tokenAddr,
		}, log.Named("token"))
		if err != nil {
			return nil, fmt.Errorf("token contract client: %w", err)
		}
		svc.closers = append(svc.closers, token.Close)
		backend.token = token
	}
	log.Info("chain backend ready",
		zap.String("backend", "rpc"),
		zap.String("chain_id", chainID.String()),
		zap.String("drop", drop.Address().Hex()),
		zap.Bool("read_only", key == nil),
	)
	return backend, nil
}

// openFakeChain runs everything in memory. Without a configured key it
// creates one and makes it a minter so signatures work out of the box.
func openFakeChain(cfg *config.AppConfig, log *zap.Logger, key *ecdsa.PrivateKey) (*chainBackend, error) {
	addr := common.HexToAddress(cfg.Deployment.Contracts.DropERC1155)
	chainID := cfg.Deployment.ChainID
	if chainID == 0 {
		chainID = 1337
	}
	fake := contract.NewFakeClient(addr, chainID)
	if key == nil {
		generated, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	fake.GrantRole(contract.MustRoleHash(contract.RoleAdmin), signer)
	fake.GrantRole(contract.MustRoleHash(contract.RoleMinter), signer)
	log.Warn("using in-memory chain backend",
		zap.Int64("chain_id", chainID),
		zap.String("signer", signer.Hex()),
	)
	return &chainBackend{drop: fake, token: fake, chain: fake, key: key}, nil
}

// App is the HTTP service and everything it owns.
type App struct {
	*Services
	Server *server.Server

	idemClose func()
}

func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*App, error) {
	metrics := server.NewMetrics()
	svc, err := NewServices(ctx, cfg, log, metrics.ObserveStorage)
	if err != nil {
		return nil, err
	}

	idem, err := idempotency.Open(ctx, idempotency.Options{
		Backend: cfg.Service.IdempotencyBackend,
		Path:    cfg.Service.IdempotencyStorePath,
		DSN:     cfg.Service.IdempotencyDSN,
	}, log)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if idem.Ping != nil {
		svc.Health["idempotency"] = idem.Ping
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Conditions:  svc.Conditions,
		Minter:      svc.Minter,
		Idempotency: idem.Store,
		Metrics:     metrics,
		Health:      svc.Health,
		Log:         log.Named("http"),
	})
	if err != nil {
		idem.Close()
		svc.Close()
		return nil, err
	}
	return &App{Services: svc, Server: srv, idemClose: idem.Close}, nil
}

func (a *App) Close() {
	a.idemClose()
	a.Services.Close()
}
