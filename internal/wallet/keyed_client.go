package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// KeyedClient signs locally with a single private key and broadcasts through
// a node. It stands in for a browser wallet in headless deployments.
type KeyedClient struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	// serialises nonce assignment
	mu sync.Mutex
}

type KeyedClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewKeyedClient(ctx context.Context, cfg KeyedClientConfig) (*KeyedClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
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

	return &KeyedClient{
		client:  cli,
		key:     pk,
		from:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID: chainID,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Account is the address the key controls.
func (c *KeyedClient) Account() common.Address {
	return c.from
}

// ChainID is the chain reported by the node at dial time.
func (c *KeyedClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *KeyedClient) Submit(ctx context.Context, req TxRequest) (TxHandle, error) {
	if req.From != c.from {
		return TxHandle{}, fmt.Errorf("sign: %w: key does not control %s", ErrRejected, req.From.Hex())
	}
	if req.ChainID != nil && req.ChainID.Cmp(c.chainID) != 0 {
		return TxHandle{}, fmt.Errorf("sign: %w: node is on chain %s, request is for %s", ErrRejected, c.chainID, req.ChainID)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return TxHandle{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxHandle{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return TxHandle{}, classify("estimate gas", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return TxHandle{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, classify("send tx", err)
	}
	return TxHandle{Hash: signed.Hash(), ChainID: c.ChainID()}, nil
}

func (c *KeyedClient) Read(ctx context.Context, req CallRequest) ([]byte, error) {
	to := req.To
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From: req.From,
		To:   &to,
		Data: req.Data,
	}, nil)
	if err != nil {
		return nil, classify("eth_call", err)
	}
	return out, nil
}

// Eth exposes the node connection for receipt polling.
func (c *KeyedClient) Eth() *ethclient.Client {
	return c.client
}

func (c *KeyedClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *KeyedClient) Close() {
	c.client.Close()
}
