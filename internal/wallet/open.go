package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Chain is a connected wallet client that also knows its account and chain.
type Chain interface {
	Client
	HealthChecker
	Account() common.Address
	ChainID() *big.Int
	Eth() *ethclient.Client
	Close()
}

type OpenConfig struct {
	RPCURL string
	// PrivateKey selects the local signer; empty means an external provider.
	PrivateKey string
	// Account is required with an external provider.
	Account common.Address
	// ChainID, when non-zero, must match what the node reports.
	ChainID int64
}

// Open returns a KeyedClient when a private key is configured and a provider
// client bound to cfg.Account otherwise.
func Open(ctx context.Context, cfg OpenConfig) (Chain, error) {
	if cfg.PrivateKey != "" {
		kc, err := NewKeyedClient(ctx, KeyedClientConfig{RPCURL: cfg.RPCURL, PrivateKeyHex: cfg.PrivateKey})
		if err != nil {
			return nil, err
		}
		if err := checkChain(cfg.ChainID, kc.ChainID()); err != nil {
			kc.Close()
			return nil, err
		}
		return kc, nil
	}

	if cfg.Account == (common.Address{}) {
		return nil, fmt.Errorf("an account is required when no private key is configured")
	}
	pc, err := DialProvider(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	chainID, err := pc.Eth().ChainID(ctx)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if err := checkChain(cfg.ChainID, chainID); err != nil {
		pc.Close()
		return nil, err
	}
	return &boundProvider{ProviderClient: pc, account: cfg.Account, chainID: chainID}, nil
}

func checkChain(want int64, got *big.Int) error {
	if want != 0 && big.NewInt(want).Cmp(got) != 0 {
		return fmt.Errorf("node reports chain %s, configured %d", got, want)
	}
	return nil
}

type boundProvider struct {
	*ProviderClient
	account common.Address
	chainID *big.Int
}

func (b *boundProvider) Account() common.Address { return b.account }

func (b *boundProvider) ChainID() *big.Int { return new(big.Int).Set(b.chainID) }
