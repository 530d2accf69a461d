// Package verify decides whether a proof-of-payment entitles its payer to a
// settlement, per variant:
//
//   - tx hash: fetch the receipt and scan Transfer logs for a qualifying
//     payment to the configured payee
//   - EIP-3009 authorization: validate terms and signature offline, then
//     relay the authorization on-chain
//   - typed-data signature: recover the signer and validate asserted terms
//
// The payer is always derived from chain data or signature recovery, never
// from a caller-asserted value.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402labs/mintgate/internal/chain"
	"github.com/x402labs/mintgate/internal/eip712"
	"github.com/x402labs/mintgate/internal/ledger"
	"github.com/x402labs/mintgate/internal/proof"
)

// Rejection codes. Retryable codes describe transient conditions; terminal
// codes mean the caller must produce a new payment.
const (
	CodeChainUnavailable      = "chain_unavailable"       // retryable
	CodeTxNotFound            = "tx_not_found"            // retryable until confirmed
	CodeTxFailed              = "tx_failed"               // terminal
	CodeNoQualifyingTransfer  = "no_qualifying_transfer"  // terminal
	CodeSignatureMismatch     = "signature_mismatch"      // terminal
	CodeAuthorizationMismatch = "authorization_mismatch"  // terminal
	CodeMalformedProof        = "malformed_proof"         // terminal
	CodeSettlementFailed      = "settlement_failed"       // retryable
)

// Terms are the payment requirements a proof is verified against.
type Terms struct {
	// Asset is the payment token contract address.
	Asset string
	// AssetName and AssetVersion parameterize the token's EIP-712 domain.
	AssetName    string
	AssetVersion string
	// PayTo is the required destination of the payment.
	PayTo string
	// RequiredAmount is the minimum acceptable payment in base units.
	RequiredAmount *big.Int
	// ChainID of the configured network.
	ChainID *big.Int
}

// Result is the outcome of verifying one proof.
type Result struct {
	Verified bool
	// Payer is the verified source of funds. Set only when Verified.
	Payer string
	// Amount actually paid, in base units.
	Amount *big.Int
	// SettlementTx identifies the payment-side transaction: the source
	// transfer for tx-hash proofs, the relay transaction for authorizations.
	SettlementTx string
	// Code and Reason describe the rejection when Verified is false.
	Code      string
	Reason    string
	Retryable bool
}

func rejected(code, format string, args ...interface{}) *Result {
	retryable := code == CodeChainUnavailable || code == CodeTxNotFound || code == CodeSettlementFailed
	return &Result{
		Verified:  false,
		Code:      code,
		Reason:    fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// Verifier orchestrates chain reads, signature recovery and authorization
// relays for all proof variants.
type Verifier struct {
	reader chain.Reader
	relay  ledger.Ledger
	now    func() time.Time
}

// New creates a Verifier. relay is used only for authorization proofs.
func New(reader chain.Reader, relay ledger.Ledger) *Verifier {
	return &Verifier{reader: reader, relay: relay, now: time.Now}
}

// Verify runs the variant-specific policy for p against terms.
// Collaborator failures are mapped to rejection codes, never returned raw.
func (v *Verifier) Verify(ctx context.Context, p proof.Proof, terms Terms) (*Result, error) {
	switch pr := p.(type) {
	case *proof.TxHashProof:
		return v.verifyTxHash(ctx, pr, terms)
	case *proof.AuthorizationProof:
		return v.verifyAuthorization(ctx, pr, terms)
	case *proof.TypedSignatureProof:
		return v.verifyTypedSignature(pr, terms)
	default:
		return nil, fmt.Errorf("unsupported proof variant %q", p.Kind())
	}
}

// verifyTxHash checks the receipt of a claimed payment transaction for a
// qualifying Transfer. Logs are scanned in emission order; the first
// matching transfer wins, and its source address is the payer.
func (v *Verifier) verifyTxHash(ctx context.Context, p *proof.TxHashProof, terms Terms) (*Result, error) {
	receipt, err := v.reader.TransactionReceipt(ctx, p.Hash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return rejected(CodeTxNotFound, "transaction %s not found; it may not be confirmed yet", p.Hash), nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return rejected(CodeChainUnavailable, "chain lookup timed out; retry with the same proof"), nil
		}
		return rejected(CodeChainUnavailable, "chain lookup failed: %v", err), nil
	}

	if receipt.Status != chain.TxStatusSuccess {
		return rejected(CodeTxFailed, "transaction %s reverted", p.Hash), nil
	}

	for _, lg := range receipt.Logs {
		transfer, ok := chain.DecodeTransfer(lg)
		if !ok {
			continue
		}
		if !strings.EqualFold(transfer.Token, terms.Asset) {
			continue
		}
		if !strings.EqualFold(transfer.To, terms.PayTo) {
			continue
		}
		if transfer.Value.Cmp(terms.RequiredAmount) < 0 {
			continue
		}
		return &Result{
			Verified:     true,
			Payer:        transfer.From,
			Amount:       transfer.Value,
			SettlementTx: p.Hash,
		}, nil
	}

	return rejected(CodeNoQualifyingTransfer,
		"no transfer of at least %s to %s found in transaction %s",
		terms.RequiredAmount, terms.PayTo, p.Hash), nil
}

// verifyAuthorization validates an EIP-3009 authorization entirely offline,
// then relays it. Terms are checked before the signature and the signature
// before the relay, so no gas is spent on an authorization that cannot
// settle.
func (v *Verifier) verifyAuthorization(ctx context.Context, p *proof.AuthorizationProof, terms Terms) (*Result, error) {
	auth := p.Authorization

	if !strings.EqualFold(auth.To, terms.PayTo) {
		return rejected(CodeAuthorizationMismatch,
			"authorization pays %s, required payee is %s", auth.To, terms.PayTo), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return rejected(CodeMalformedProof, "authorization value %q is not a decimal string", auth.Value), nil
	}
	if value.Cmp(terms.RequiredAmount) < 0 {
		return rejected(CodeAuthorizationMismatch,
			"authorization value %s is below the required %s", value, terms.RequiredAmount), nil
	}

	if res := v.checkValidityWindow(auth); res != nil {
		return res, nil
	}

	digest, err := eip712.HashTransferAuthorization(
		auth, terms.ChainID, terms.Asset, terms.AssetName, terms.AssetVersion)
	if err != nil {
		return rejected(CodeMalformedProof, "authorization does not hash: %v", err), nil
	}

	sig, err := eip712.HexToBytes(p.Signature)
	if err != nil {
		return rejected(CodeMalformedProof, "signature is not valid hex: %v", err), nil
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return rejected(CodeSignatureMismatch, "signature does not recover: %v", err), nil
	}
	if signer != common.HexToAddress(auth.From) {
		return rejected(CodeSignatureMismatch,
			"signature recovers to %s, authorization claims %s", signer.Hex(), auth.From), nil
	}

	// The transfer is not real until the authorization is on-chain.
	receipt, err := v.relay.RelayAuthorization(ctx, auth, p.Signature)
	if err != nil {
		return rejected(CodeSettlementFailed, "authorization relay failed: %v", err), nil
	}
	if !receipt.Success {
		return rejected(CodeSettlementFailed,
			"authorization relay transaction %s reverted", receipt.TxHash), nil
	}

	return &Result{
		Verified:     true,
		Payer:        common.HexToAddress(auth.From).Hex(),
		Amount:       value,
		SettlementTx: receipt.TxHash,
	}, nil
}

func (v *Verifier) checkValidityWindow(auth eip712.Authorization) *Result {
	now := v.now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return rejected(CodeMalformedProof, "validAfter %q is not a timestamp", auth.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return rejected(CodeMalformedProof, "validBefore %q is not a timestamp", auth.ValidBefore)
	}
	if now < validAfter {
		return rejected(CodeAuthorizationMismatch, "authorization is not valid until %d", validAfter)
	}
	if now >= validBefore {
		return rejected(CodeAuthorizationMismatch, "authorization expired at %d", validBefore)
	}
	return nil
}

// verifyTypedSignature recovers the signer of a generic typed-data document.
// The payer is the recovered address; a caller-asserted message.from that
// disagrees with recovery is a mismatch, not an override. When the document
// asserts payment terms they must match the configured ones.
func (v *Verifier) verifyTypedSignature(p *proof.TypedSignatureProof, terms Terms) (*Result, error) {
	digest, err := eip712.HashTypedData(p.Domain, p.Types, p.PrimaryType, p.Message)
	if err != nil {
		return rejected(CodeMalformedProof, "typed data does not hash: %v", err), nil
	}

	sig, err := eip712.HexToBytes(p.Signature)
	if err != nil {
		return rejected(CodeMalformedProof, "signature is not valid hex: %v", err), nil
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return rejected(CodeSignatureMismatch, "signature does not recover: %v", err), nil
	}

	if from := p.From(); from != "" && signer != common.HexToAddress(from) {
		return rejected(CodeSignatureMismatch,
			"signature recovers to %s, message claims %s", signer.Hex(), from), nil
	}

	amount := terms.RequiredAmount
	if to, ok := p.Message["to"].(string); ok && !strings.EqualFold(to, terms.PayTo) {
		return rejected(CodeAuthorizationMismatch,
			"typed message pays %s, required payee is %s", to, terms.PayTo), nil
	}
	if valueStr, ok := p.Message["value"].(string); ok {
		value, ok := new(big.Int).SetString(valueStr, 10)
		if !ok {
			return rejected(CodeMalformedProof, "typed message value %q is not a decimal string", valueStr), nil
		}
		if value.Cmp(terms.RequiredAmount) < 0 {
			return rejected(CodeAuthorizationMismatch,
				"typed message value %s is below the required %s", value, terms.RequiredAmount), nil
		}
		amount = value
	}

	return &Result{
		Verified: true,
		Payer:    signer.Hex(),
		Amount:   amount,
	}, nil
}
