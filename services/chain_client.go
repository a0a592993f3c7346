// services/chain_client.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainReceipt is the part of a transaction receipt the reconciler needs.
type ChainReceipt struct {
	BlockNumber uint64
	Failed      bool
}

// ChainClient reads chain head and receipts per network.
type ChainClient interface {
	BlockNumber(ctx context.Context, network string) (uint64, error)
	// Receipt returns nil, nil while the transaction is not mined.
	Receipt(ctx context.Context, network, txHash string) (*ChainReceipt, error)
}

// EVMChainClient talks JSON-RPC to one endpoint per network. Connections are
// dialed on first use and reused.
type EVMChainClient struct {
	urls map[string]string

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewEVMChainClient(rpcURLs map[string]string) *EVMChainClient {
	urls := make(map[string]string, len(rpcURLs))
	for network, u := range rpcURLs {
		urls[strings.ToLower(network)] = u
	}
	return &EVMChainClient{urls: urls, clients: make(map[string]*ethclient.Client)}
}

func (c *EVMChainClient) client(ctx context.Context, network string) (*ethclient.Client, error) {
	network = strings.ToLower(network)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[network]; ok {
		return cl, nil
	}
	url, ok := c.urls[network]
	if !ok {
		return nil, fmt.Errorf("%w: no rpc configured for %s", ErrChainUnavailable, network)
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrChainUnavailable, network, err)
	}
	c.clients[network] = cl
	return cl, nil
}

func (c *EVMChainClient) BlockNumber(ctx context.Context, network string) (uint64, error) {
	cl, err := c.client(ctx, network)
	if err != nil {
		return 0, err
	}
	n, err := cl.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number on %s: %v", ErrChainUnavailable, network, err)
	}
	return n, nil
}

func (c *EVMChainClient) Receipt(ctx context.Context, network, txHash string) (*ChainReceipt, error) {
	cl, err := c.client(ctx, network)
	if err != nil {
		return nil, err
	}
	receipt, err := cl.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s on %s: %v", ErrChainUnavailable, txHash, network, err)
	}
	return &ChainReceipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		Failed:      receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

// Close drops every open connection.
func (c *EVMChainClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for network, cl := range c.clients {
		cl.Close()
		delete(c.clients, network)
	}
}
