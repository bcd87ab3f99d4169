package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ProviderClient talks to a wallet provider that holds the user's keys and
// exposes eth_sendTransaction (a browser bridge, clef, or a dev node with
// unlocked accounts).
type ProviderClient struct {
	rpc *rpc.Client
}

// DialProvider connects to the provider endpoint.
func DialProvider(ctx context.Context, url string) (*ProviderClient, error) {
	if url == "" {
		return nil, fmt.Errorf("provider url is required")
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial provider: %w", err)
	}
	return &ProviderClient{rpc: c}, nil
}

func NewProviderClient(c *rpc.Client) *ProviderClient {
	return &ProviderClient{rpc: c}
}

// txArgs is the request object shared by eth_sendTransaction and eth_call.
type txArgs struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	ChainID *hexutil.Big   `json:"chainId,omitempty"`
	Data    hexutil.Bytes  `json:"data"`
	Value   *hexutil.Big   `json:"value,omitempty"`
}

func (c *ProviderClient) Submit(ctx context.Context, req TxRequest) (TxHandle, error) {
	args := txArgs{
		From:    req.From,
		To:      req.To,
		ChainID: (*hexutil.Big)(req.ChainID),
		Data:    req.Data,
		Value:   (*hexutil.Big)(req.Value),
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return TxHandle{}, classify("eth_sendTransaction", err)
	}
	return TxHandle{Hash: hash, ChainID: req.ChainID}, nil
}

func (c *ProviderClient) Read(ctx context.Context, req CallRequest) ([]byte, error) {
	args := txArgs{
		From:    req.From,
		To:      req.To,
		ChainID: (*hexutil.Big)(req.ChainID),
		Data:    req.Data,
	}
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, "eth_call", args, "latest"); err != nil {
		return nil, classify("eth_call", err)
	}
	return out, nil
}

// Eth exposes the same connection as a node client for receipt polling.
func (c *ProviderClient) Eth() *ethclient.Client {
	return ethclient.NewClient(c.rpc)
}

func (c *ProviderClient) Ping(ctx context.Context) error {
	_, err := c.Eth().BlockNumber(ctx)
	return err
}

func (c *ProviderClient) Close() {
	c.rpc.Close()
}
