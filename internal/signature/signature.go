// Package signature implements the canonical meter-reading signature form
// described in spec.md §4.6: a fixed newline-delimited, labeled-field
// string, domain-separated, signed with Ed25519.
package signature

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"

	"github.com/mr-tron/base58"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
)

const domainHeader = "GRIDTOKENX_METER_READING"

// Message is the canonical payload signed by a meter's registered key.
// Field order, labels, and formatting are fixed: any deviation invalidates
// the signature.
type Message struct {
	MeterSerial string
	Timestamp   time.Time
	KWhAmount   float64
	Wallet      string
}

// CanonicalString renders the message in its fixed signable form.
func (m Message) CanonicalString() string {
	return fmt.Sprintf(
		"%s\nmeter_serial: %s\ntimestamp: %s\nkwh_amount: %s\nwallet: %s",
		domainHeader,
		m.MeterSerial,
		m.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatFloat(m.KWhAmount, 'f', 6, 64),
		m.Wallet,
	)
}

// Bytes returns the UTF-8 bytes signed/verified.
func (m Message) Bytes() []byte {
	return []byte(m.CanonicalString())
}

// Sign signs the canonical message with an Ed25519 private key, returning a
// base58-encoded signature.
func Sign(priv ed25519.PrivateKey, m Message) string {
	sig := ed25519.Sign(priv, m.Bytes())
	return base58.Encode(sig)
}

// Verify checks a base58 public key and base58 signature against the
// message's canonical form.
func Verify(publicKeyBase58, signatureBase58 string, m Message) (bool, error) {
	pubBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return false, gwerrors.InvalidFormat("public_key", "base58")
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, gwerrors.InvalidFormat("public_key", fmt.Sprintf("%d bytes", ed25519.PublicKeySize))
	}

	sigBytes, err := base58.Decode(signatureBase58)
	if err != nil {
		return false, gwerrors.InvalidFormat("signature", "base58")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false, gwerrors.InvalidFormat("signature", fmt.Sprintf("%d bytes", ed25519.SignatureSize))
	}

	return ed25519.Verify(ed25519.PublicKey(pubBytes), m.Bytes(), sigBytes), nil
}
