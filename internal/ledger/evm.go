package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402labs/mintgate/internal/eip712"
)

const erc20TransferABI = `[{
	"name": "transfer",
	"type": "function",
	"inputs": [
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

const transferWithAuthorizationABI = `[{
	"name": "transferWithAuthorization",
	"type": "function",
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"outputs": []
}]`

// EvmLedger signs and submits transactions with a single operator key.
type EvmLedger struct {
	client       *ethclient.Client
	key          *ecdsa.PrivateKey
	chainID      *big.Int
	rewardToken  common.Address
	paymentToken common.Address

	transferABI abi.ABI
	relayABI    abi.ABI
}

// NewEvmLedger creates a ledger that mints rewardToken and relays EIP-3009
// authorizations against paymentToken.
func NewEvmLedger(
	client *ethclient.Client,
	operatorKeyHex string,
	chainID *big.Int,
	rewardToken string,
	paymentToken string,
) (*EvmLedger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	transferABI, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}
	relayABI, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay ABI: %w", err)
	}

	return &EvmLedger{
		client:       client,
		key:          key,
		chainID:      chainID,
		rewardToken:  common.HexToAddress(rewardToken),
		paymentToken: common.HexToAddress(paymentToken),
		transferABI:  transferABI,
		relayABI:     relayABI,
	}, nil
}

// OperatorAddress returns the address transactions are sent from.
func (l *EvmLedger) OperatorAddress() string {
	return crypto.PubkeyToAddress(l.key.PublicKey).Hex()
}

// Transfer sends amount of the reward token to the given address.
func (l *EvmLedger) Transfer(ctx context.Context, to string, amount *big.Int) (*Receipt, error) {
	return l.transact(ctx, l.rewardToken, l.transferABI, "transfer",
		common.HexToAddress(to), amount)
}

// RelayAuthorization submits transferWithAuthorization on the payment token.
func (l *EvmLedger) RelayAuthorization(ctx context.Context, auth eip712.Authorization, signature string) (*Receipt, error) {
	sig, err := eip712.HexToBytes(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := eip712.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}

	return l.transact(ctx, l.paymentToken, l.relayABI, "transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		[32]byte(nonceBytes),
		v,
		[32]byte(sig[0:32]),
		[32]byte(sig[32:64]),
	)
}

// transact submits a contract call and waits for it to be mined.
func (l *EvmLedger) transact(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) (*Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx

	bound := bind.NewBoundContract(contract, contractABI, l.client, l.client, l.client)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s submission failed: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return nil, fmt.Errorf("%s not mined: %w", method, err)
	}

	return &Receipt{
		TxHash:  tx.Hash().Hex(),
		Success: receipt.Status == 1,
	}, nil
}

var _ Ledger = (*EvmLedger)(nil)
