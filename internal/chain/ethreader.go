package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthReader implements Reader against a JSON-RPC node via ethclient.
type EthReader struct {
	client *ethclient.Client
}

// NewEthReader wraps an ethclient connection.
func NewEthReader(client *ethclient.Client) *EthReader {
	return &EthReader{client: client}
}

// TransactionReceipt fetches and converts the receipt for hash.
func (r *EthReader) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}

	out := &Receipt{
		TxHash:      receipt.TxHash.Hex(),
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Logs:        make([]Log, 0, len(receipt.Logs)),
	}
	for _, lg := range receipt.Logs {
		out.Logs = append(out.Logs, Log{
			Address: lg.Address.Hex(),
			Topics:  lg.Topics,
			Data:    lg.Data,
		})
	}
	return out, nil
}

var _ Reader = (*EthReader)(nil)
