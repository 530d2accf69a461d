// Package proof classifies raw payment headers into typed proof-of-payment
// variants and derives the idempotency identity for each.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/x402labs/mintgate/internal/eip712"
)

// Header names carrying proof material.
const (
	HeaderPayment   = "X-Payment"
	HeaderTypedData = "X-Payment-Typed-Data"
)

// Kind discriminates the proof variants.
type Kind string

const (
	KindTxHash         Kind = "txHash"
	KindAuthorization  Kind = "authorization"
	KindTypedSignature Kind = "typedSignature"
)

// Proof is one of TxHashProof, AuthorizationProof or TypedSignatureProof.
// Exactly one variant is produced per request.
type Proof interface {
	Kind() Kind

	// Identity returns the idempotency key for this proof. Two structurally
	// different proofs never collide; the same proof replayed always does.
	Identity() string
}

// TxHashProof is a transaction hash presumed to contain a qualifying
// stablecoin transfer. Hash is canonical: 0x + 64 lowercase hex chars.
type TxHashProof struct {
	Hash string
}

func (p *TxHashProof) Kind() Kind { return KindTxHash }

// Identity of a tx-hash proof is the hash itself.
func (p *TxHashProof) Identity() string { return p.Hash }

// AuthorizationProof is an EIP-3009 transferWithAuthorization message plus
// its signature. Settlement requires relaying the authorization on-chain.
type AuthorizationProof struct {
	Authorization eip712.Authorization
	Signature     string
}

func (p *AuthorizationProof) Kind() Kind { return KindAuthorization }

func (p *AuthorizationProof) Identity() string {
	return signatureIdentity(p.Signature, p.Authorization.Nonce)
}

// TypedSignatureProof is a generic EIP-712 document whose signature must
// recover to message["from"].
type TypedSignatureProof struct {
	Domain      eip712.Domain
	Types       map[string][]eip712.Field
	PrimaryType string
	Message     map[string]interface{}
	Signature   string
}

func (p *TypedSignatureProof) Kind() Kind { return KindTypedSignature }

func (p *TypedSignatureProof) Identity() string {
	nonce, _ := p.Message["nonce"].(string)
	return signatureIdentity(p.Signature, nonce)
}

// From returns the payer address the document asserts, if any.
func (p *TypedSignatureProof) From() string {
	from, _ := p.Message["from"].(string)
	return from
}

// signatureIdentity digests (signature, nonce) so that replaying the same
// signed authorization under a different envelope still collides.
func signatureIdentity(signature, nonce string) string {
	payload := strings.ToLower(strings.TrimPrefix(signature, "0x")) +
		":" + strings.ToLower(strings.TrimPrefix(nonce, "0x"))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
