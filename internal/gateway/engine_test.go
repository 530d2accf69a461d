package gateway

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402labs/mintgate/internal/chain"
	"github.com/x402labs/mintgate/internal/eip712"
	"github.com/x402labs/mintgate/internal/idempotency"
	"github.com/x402labs/mintgate/internal/ledger"
	"github.com/x402labs/mintgate/internal/verify"
)

const (
	assetAddr = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	payToAddr = "0x1111111111111111111111111111111111111111"
	payerAddr = "0x2222222222222222222222222222222222222222"
	testHash  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type fakeReader struct {
	mu       sync.Mutex
	receipts map[string]*chain.Receipt
}

func (r *fakeReader) TransactionReceipt(_ context.Context, hash string) (*chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.receipts[hash]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return receipt, nil
}

type fakeLedger struct {
	mu            sync.Mutex
	transferErr   error
	transferCalls int
}

func (l *fakeLedger) Transfer(_ context.Context, _ string, _ *big.Int) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferCalls++
	if l.transferErr != nil {
		return nil, l.transferErr
	}
	return &ledger.Receipt{TxHash: "0xmint", Success: true}, nil
}

func (l *fakeLedger) RelayAuthorization(_ context.Context, _ eip712.Authorization, _ string) (*ledger.Receipt, error) {
	return &ledger.Receipt{TxHash: "0xrelay", Success: true}, nil
}

func (l *fakeLedger) setTransferErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferErr = err
}

func (l *fakeLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferCalls
}

func testSettings() Settings {
	return Settings{
		Network:           "base-sepolia",
		ChainID:           big.NewInt(84532),
		Asset:             assetAddr,
		AssetName:         "USDC",
		AssetVersion:      "2",
		PayTo:             payToAddr,
		RequiredAmount:    big.NewInt(1_000_000),
		RewardAmount:      big.NewInt(1_000_000),
		Resource:          "https://mintgate.test/mint",
		Description:       "test mint",
		MaxTimeoutSeconds: 60,
		RequestTimeout:    5 * time.Second,
	}
}

func qualifyingReceipt(amount int64) *chain.Receipt {
	return &chain.Receipt{
		TxHash: testHash,
		Status: chain.TxStatusSuccess,
		Logs: []chain.Log{chain.EncodeTransfer(chain.Transfer{
			Token: assetAddr, From: payerAddr, To: payToAddr, Value: big.NewInt(amount),
		})},
	}
}

func newTestEngine(receipt *chain.Receipt) (*Engine, *fakeLedger) {
	reader := &fakeReader{receipts: map[string]*chain.Receipt{}}
	if receipt != nil {
		reader.receipts[testHash] = receipt
	}
	mint := &fakeLedger{}
	engine := NewEngine(
		idempotency.NewMemoryStore(),
		verify.New(reader, mint),
		mint,
		testSettings,
		nil,
	)
	return engine, mint
}

func TestHandleNoProofIssuesChallenge(t *testing.T) {
	engine, _ := newTestEngine(nil)

	resp := engine.Handle(context.Background(), "", "")
	require.Equal(t, OutcomeChallenge, resp.Outcome)
	require.Len(t, resp.Challenge.Accepts, 1)

	accepts := resp.Challenge.Accepts[0]
	assert.Equal(t, SchemeExact, accepts.Scheme)
	assert.Equal(t, payToAddr, accepts.PayTo)
	assert.Equal(t, "1000000", accepts.MaxAmountRequired)
	assert.Equal(t, assetAddr, accepts.Asset)
}

func TestHandleMalformedProofRejected(t *testing.T) {
	engine, mint := newTestEngine(nil)

	resp := engine.Handle(context.Background(), "not-a-proof", "")
	require.Equal(t, OutcomeRejected, resp.Outcome)
	assert.NotNil(t, resp.Challenge)
	assert.Zero(t, mint.calls())
}

func TestHandleSettlesAndReplays(t *testing.T) {
	engine, mint := newTestEngine(qualifyingReceipt(1_000_000))

	first := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeSettled, first.Outcome)
	assert.False(t, first.Replayed)
	assert.Equal(t, payerAddr, first.Record.Payer)
	assert.Equal(t, "0xmint", first.Record.MintTx)
	assert.Equal(t, testHash, first.Record.SettlementTx)

	// The same proof submitted again returns the identical record with no
	// second mint.
	second := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeSettled, second.Outcome)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, 1, mint.calls())
}

func TestHandleVerificationFailureReleasesReservation(t *testing.T) {
	engine, mint := newTestEngine(qualifyingReceipt(999_999))

	first := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeRejected, first.Outcome)
	assert.Equal(t, verify.CodeNoQualifyingTransfer, first.Code)
	assert.Zero(t, mint.calls())

	// A retry with the same proof is not blocked as in-flight.
	second := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeRejected, second.Outcome)
	assert.Equal(t, verify.CodeNoQualifyingTransfer, second.Code)
}

func TestHandleSettlementFailureIsRetryable(t *testing.T) {
	engine, mint := newTestEngine(qualifyingReceipt(1_000_000))
	mint.setTransferErr(context.DeadlineExceeded)

	first := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeRejected, first.Outcome)
	assert.Equal(t, CodeSettlementFailed, first.Code)

	// The reservation was released: the same proof settles once the ledger
	// recovers.
	mint.setTransferErr(nil)
	second := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeSettled, second.Outcome)
	assert.Equal(t, payerAddr, second.Record.Payer)
}

func TestHandleConcurrentDuplicatesSettleOnce(t *testing.T) {
	engine, mint := newTestEngine(qualifyingReceipt(1_000_000))

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Response, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Handle(context.Background(), testHash, "")
		}(i)
	}
	wg.Wait()

	settledFresh := 0
	for _, resp := range results {
		switch resp.Outcome {
		case OutcomeSettled:
			if !resp.Replayed {
				settledFresh++
			}
			assert.Equal(t, "0xmint", resp.Record.MintTx)
		case OutcomeRejected:
			assert.Equal(t, CodeAlreadyProcessing, resp.Code)
		default:
			t.Errorf("unexpected outcome %v", resp.Outcome)
		}
	}

	assert.Equal(t, 1, settledFresh)
	assert.Equal(t, 1, mint.calls())
}

func TestHandleDistinctProofsDoNotInterfere(t *testing.T) {
	otherHash := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	engine, mint := newTestEngine(qualifyingReceipt(1_000_000))

	first := engine.Handle(context.Background(), testHash, "")
	require.Equal(t, OutcomeSettled, first.Outcome)

	// A different proof has its own identity and its own verification.
	second := engine.Handle(context.Background(), otherHash, "")
	require.Equal(t, OutcomeRejected, second.Outcome)
	assert.Equal(t, verify.CodeTxNotFound, second.Code)
	assert.Equal(t, 1, mint.calls())
}
