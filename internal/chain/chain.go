// Package chain provides read access to an EVM node: receipt lookup by hash
// and ERC-20 Transfer log decoding.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNotFound is returned when no transaction or receipt exists for a hash.
var ErrNotFound = errors.New("transaction not found")

// Receipt status values as reported by EVM nodes.
const (
	TxStatusSuccess uint64 = 1
	TxStatusFailed  uint64 = 0
)

// Log is a raw event log in emission order.
type Log struct {
	Address string
	Topics  []common.Hash
	Data    []byte
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
	Logs        []Log
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token string
	From  string
	To    string
	Value *big.Int
}

// Reader fetches transaction outcomes from a node. Implementations must be
// safe for concurrent use.
type Reader interface {
	// TransactionReceipt returns the receipt for hash, or ErrNotFound if the
	// transaction is unknown or still pending.
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
}

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EncodeTransfer builds the raw log an ERC-20 contract emits for a
// Transfer event. It is the inverse of DecodeTransfer.
func EncodeTransfer(t Transfer) Log {
	return Log{
		Address: t.Token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress(t.From).Bytes()),
			common.BytesToHash(common.HexToAddress(t.To).Bytes()),
		},
		Data: common.BigToHash(t.Value).Bytes(),
	}
}

// DecodeTransfer decodes an ERC-20 Transfer event from a raw log.
// Returns false for logs of any other shape.
func DecodeTransfer(lg Log) (*Transfer, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return nil, false
	}
	return &Transfer{
		Token: lg.Address,
		From:  common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:    common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value: new(big.Int).SetBytes(lg.Data),
	}, true
}
