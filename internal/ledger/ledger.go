// Package ledger executes token transfers: minting the reward token to a
// verified payer and relaying pre-signed EIP-3009 authorizations on-chain.
package ledger

import (
	"context"
	"math/big"

	"github.com/x402labs/mintgate/internal/eip712"
)

// Receipt is the outcome of a submitted transfer.
type Receipt struct {
	TxHash  string
	Success bool
}

// Ledger submits token transfers on behalf of the operator. Implementations
// must be safe for concurrent use.
type Ledger interface {
	// Transfer sends amount of the reward token to the given address and
	// waits for the transaction to be mined.
	Transfer(ctx context.Context, to string, amount *big.Int) (*Receipt, error)

	// RelayAuthorization submits a signed EIP-3009 authorization against the
	// payment token, realizing the transfer it describes. Gas is paid by the
	// operator.
	RelayAuthorization(ctx context.Context, auth eip712.Authorization, signature string) (*Receipt, error)
}
