// Package gateway orchestrates the payment-gated mint: challenge issuance,
// proof verification, idempotent settlement and the HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/x402labs/mintgate/internal/idempotency"
	"github.com/x402labs/mintgate/internal/ledger"
	"github.com/x402labs/mintgate/internal/metrics"
	"github.com/x402labs/mintgate/internal/proof"
	"github.com/x402labs/mintgate/internal/verify"
)

const x402Version = 1

// SchemeExact is the only payment scheme this gateway accepts.
const SchemeExact = "exact"

// Codes for conditions produced by the engine itself; verification codes
// come from the verify package, parse codes from the proof package.
const (
	CodeAlreadyProcessing = "already_processing"
	CodeStoreUnavailable  = "store_unavailable"
	CodeSettlementFailed  = "settlement_failed"
)

// PaymentRequirements is one entry of the challenge's accepts array, in the
// x402 v1 wire shape.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// Challenge is the 402 payment-required descriptor.
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Settings are the live payment terms plus gateway parameters. They are
// re-read on every request so config hot reloads take effect immediately.
type Settings struct {
	Network           string
	ChainID           *big.Int
	Asset             string
	AssetName         string
	AssetVersion      string
	PayTo             string
	RequiredAmount    *big.Int
	RewardAmount      *big.Int
	Resource          string
	Description       string
	MaxTimeoutSeconds int
	RequestTimeout    time.Duration
}

// Outcome discriminates engine responses.
type Outcome int

const (
	OutcomeChallenge Outcome = iota
	OutcomeRejected
	OutcomeSettled
)

// Response is the engine's answer to one request.
type Response struct {
	Outcome   Outcome
	Challenge *Challenge
	// Code and Message describe the rejection when Outcome is
	// OutcomeRejected.
	Code    string
	Message string
	// Record is the settlement when Outcome is OutcomeSettled. Replayed is
	// set when the record was served from the store rather than minted now.
	Record   *idempotency.Record
	Replayed bool
}

// Engine is the top-level orchestrator behind the HTTP layer.
type Engine struct {
	store    idempotency.Store
	verifier *verify.Verifier
	mint     ledger.Ledger
	settings func() Settings
	logger   *slog.Logger
}

// NewEngine wires the engine. settings is called per request.
func NewEngine(store idempotency.Store, verifier *verify.Verifier, mint ledger.Ledger, settings func() Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		verifier: verifier,
		mint:     mint,
		settings: settings,
		logger:   logger,
	}
}

// BuildChallenge produces the payment descriptor for proof-less requests and
// rejections.
func (e *Engine) BuildChallenge(errMsg string) *Challenge {
	s := e.settings()
	return &Challenge{
		X402Version: x402Version,
		Error:       errMsg,
		Accepts: []PaymentRequirements{{
			Scheme:            SchemeExact,
			Network:           s.Network,
			MaxAmountRequired: s.RequiredAmount.String(),
			Resource:          s.Resource,
			Description:       s.Description,
			PayTo:             s.PayTo,
			MaxTimeoutSeconds: s.MaxTimeoutSeconds,
			Asset:             s.Asset,
			Extra: map[string]interface{}{
				"name":    s.AssetName,
				"version": s.AssetVersion,
			},
		}},
	}
}

// Handle runs one request through the gate.
//
// Flow: no proof -> challenge; parse -> reserve -> verify -> mint -> commit.
// Every reservation taken here is resolved on every exit path: committed on
// success, released otherwise, including on timeout and cancellation.
func (e *Engine) Handle(ctx context.Context, rawPayment, rawTypedData string) *Response {
	if rawPayment == "" && rawTypedData == "" {
		metrics.ChallengesIssued.Inc()
		return &Response{
			Outcome:   OutcomeChallenge,
			Challenge: e.BuildChallenge("X-Payment header is required"),
		}
	}

	p, err := proof.Parse(rawPayment, rawTypedData)
	if err != nil {
		parseErr, ok := err.(*proof.ParseError)
		code := proof.CodeMalformedProof
		if ok {
			code = parseErr.Code
		}
		return e.reject(code, fmt.Sprintf("malformed proof: %v", err))
	}
	metrics.ProofsReceived.WithLabelValues(string(p.Kind())).Inc()

	s := e.settings()
	identity := p.Identity()
	logger := e.logger.With("identity", identity, "kind", p.Kind())

	status, record, err := e.store.CheckAndReserve(ctx, identity)
	if err != nil {
		logger.Error("idempotency store unavailable", "err", err)
		return e.reject(CodeStoreUnavailable, "settlement store unavailable, retry with the same proof")
	}

	switch status {
	case idempotency.StatusSettled:
		// Idempotent success: the same proof always gets the same receipt.
		metrics.SettlementsReplayed.Inc()
		return &Response{Outcome: OutcomeSettled, Record: record, Replayed: true}
	case idempotency.StatusInFlight:
		return e.reject(CodeAlreadyProcessing, "a request bearing this proof is already being processed")
	}

	// The reservation is held from here on. Release runs on every path that
	// does not commit, on a background context so client cancellation
	// cannot leave the identity dangling in-flight.
	committed := false
	defer func() {
		if !committed {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.store.Release(releaseCtx, identity); err != nil {
				logger.Error("failed to release reservation", "err", err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	started := time.Now()

	result, err := e.verifier.Verify(ctx, p, verify.Terms{
		Asset:          s.Asset,
		AssetName:      s.AssetName,
		AssetVersion:   s.AssetVersion,
		PayTo:          s.PayTo,
		RequiredAmount: s.RequiredAmount,
		ChainID:        s.ChainID,
	})
	if err != nil {
		logger.Error("verification error", "err", err)
		return e.reject(verify.CodeChainUnavailable, "verification failed, retry with the same proof")
	}
	if !result.Verified {
		logger.Info("proof rejected", "code", result.Code, "reason", result.Reason)
		return e.reject(result.Code, result.Reason)
	}

	mintReceipt, err := e.mint.Transfer(ctx, result.Payer, s.RewardAmount)
	if err != nil {
		logger.Error("mint failed", "payer", result.Payer, "err", err)
		return e.reject(CodeSettlementFailed, "settlement failed, retry with the same proof")
	}
	if !mintReceipt.Success {
		logger.Error("mint transaction reverted", "payer", result.Payer, "tx", mintReceipt.TxHash)
		return e.reject(CodeSettlementFailed, "settlement transaction reverted, retry with the same proof")
	}

	record = &idempotency.Record{
		Identity:     identity,
		Payer:        result.Payer,
		SettlementTx: result.SettlementTx,
		MintTx:       mintReceipt.TxHash,
		Amount:       s.RewardAmount.String(),
		Network:      s.Network,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.store.Commit(ctx, identity, record); err != nil {
		// The mint went through; losing the record would allow a replay.
		logger.Error("failed to commit settlement record", "err", err)
		return e.reject(CodeStoreUnavailable, "settlement record could not be stored")
	}
	committed = true

	metrics.SettlementsCommitted.Inc()
	metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	logger.Info("settlement committed",
		"payer", record.Payer, "mintTx", record.MintTx, "settlementTx", record.SettlementTx)

	return &Response{Outcome: OutcomeSettled, Record: record}
}

func (e *Engine) reject(code, message string) *Response {
	metrics.ProofsRejected.WithLabelValues(code).Inc()
	return &Response{
		Outcome:   OutcomeRejected,
		Code:      code,
		Message:   message,
		Challenge: e.BuildChallenge(message),
	}
}
