package proof

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402labs/mintgate/internal/eip712"
)

// ParseError codes.
const (
	CodeUnrecognizedFormat = "unrecognized_format"
	CodeMalformedProof     = "malformed_proof"
)

// ParseError is returned when a header value cannot be classified into
// exactly one proof variant.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func malformed(format string, args ...interface{}) *ParseError {
	return &ParseError{Code: CodeMalformedProof, Message: fmt.Sprintf(format, args...)}
}

// txHashPattern matches a canonical 32-byte transaction identifier at the
// start of the value. Anything after the 64 hex chars is treated as an
// embedded-data suffix and truncated.
var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}`)

// typedDataSchema is the structural contract for the companion typed-data
// document. Validation is purely structural; signature recovery happens later.
const typedDataSchema = `{
	"type": "object",
	"required": ["domain", "types", "primaryType", "message", "signature"],
	"properties": {
		"domain": {"type": "object"},
		"types": {"type": "object"},
		"primaryType": {"type": "string", "minLength": 1},
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"message": {
			"type": "object",
			"required": ["from"],
			"properties": {"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}}
		}
	}
}`

var typedDataSchemaLoader = gojsonschema.NewStringLoader(typedDataSchema)

// Parse classifies the raw X-Payment header value, plus the optional
// companion typed-data header, into exactly one proof variant.
//
// Classification priority:
//  1. base64 JSON carrying payload.authorization -> AuthorizationProof
//  2. valid typed-data document in the companion header -> TypedSignatureProof
//  3. 0x + 64 hex chars (optional suffix truncated) -> TxHashProof
//
// A present companion header is authoritative: when its document is invalid
// the request is rejected rather than falling through to tx-hash
// classification, so a caller never settles under a different proof variant
// than the one they attempted.
//
// Parse performs no network or cryptographic work.
func Parse(rawPayment, rawTypedData string) (Proof, error) {
	if decoded, ok := decodeBase64JSON(rawPayment); ok {
		if hasAuthorization(decoded) {
			return parseAuthorization(decoded)
		}
	}

	if rawTypedData != "" {
		return parseTypedData(rawTypedData)
	}

	// FindString truncates any embedded-data suffix to the canonical form.
	if m := txHashPattern.FindString(rawPayment); m != "" {
		return &TxHashProof{Hash: strings.ToLower(m)}, nil
	}

	return nil, &ParseError{
		Code:    CodeUnrecognizedFormat,
		Message: "payment header is neither a payment payload, a typed-data document nor a transaction hash",
	}
}

// decodeBase64JSON attempts to decode the value as base64-wrapped JSON.
func decodeBase64JSON(raw string) (map[string]interface{}, bool) {
	if raw == "" {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func hasAuthorization(doc map[string]interface{}) bool {
	payload, ok := doc["payload"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = payload["authorization"]
	return ok
}

// parseAuthorization extracts an EIP-3009 authorization and signature from a
// decoded payment payload. Field extraction mirrors the x402 exact-scheme
// wire format.
func parseAuthorization(doc map[string]interface{}) (Proof, error) {
	payload := doc["payload"].(map[string]interface{})

	auth, ok := payload["authorization"].(map[string]interface{})
	if !ok {
		return nil, malformed("payload.authorization is not an object")
	}

	signature, _ := payload["signature"].(string)
	if signature == "" {
		return nil, malformed("payload.signature is missing")
	}

	out := eip712.Authorization{}
	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &out.From},
		{"to", &out.To},
		{"value", &out.Value},
		{"validAfter", &out.ValidAfter},
		{"validBefore", &out.ValidBefore},
		{"nonce", &out.Nonce},
	}
	for _, f := range fields {
		v, ok := auth[f.name].(string)
		if !ok || v == "" {
			return nil, malformed("payload.authorization.%s is missing", f.name)
		}
		*f.dst = v
	}

	if _, ok := new(big.Int).SetString(out.Value, 10); !ok {
		return nil, malformed("payload.authorization.value is not a decimal string")
	}

	return &AuthorizationProof{Authorization: out, Signature: signature}, nil
}

// parseTypedData validates and decodes the companion typed-data document.
// The header carries base64-encoded JSON; raw JSON is tolerated for callers
// that skip the wrapping.
func parseTypedData(raw string) (Proof, error) {
	data := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		data = decoded
	}

	result, err := gojsonschema.Validate(typedDataSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, malformed("typed-data document is not valid JSON: %v", err)
	}
	if !result.Valid() {
		return nil, malformed("typed-data document is structurally invalid: %s", result.Errors()[0])
	}

	var doc struct {
		Domain      eip712.Domain            `json:"domain"`
		Types       map[string][]eip712.Field `json:"types"`
		PrimaryType string                   `json:"primaryType"`
		Message     map[string]interface{}   `json:"message"`
		Signature   string                   `json:"signature"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, malformed("typed-data document does not decode: %v", err)
	}

	return &TypedSignatureProof{
		Domain:      doc.Domain,
		Types:       doc.Types,
		PrimaryType: doc.PrimaryType,
		Message:     doc.Message,
		Signature:   doc.Signature,
	}, nil
}
