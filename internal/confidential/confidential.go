// Package confidential evaluates loss thresholds without exposing them.
//
// A position's threshold is stored only as an opaque sealed ciphertext; the
// single supported computation is an encrypted greater-or-equal comparison
// against a plaintext IL magnitude, and the encrypted verdict is only opened
// by a capability constructed with reveal authority. Two backends implement
// the scheme: a TFHE backend doing the comparison homomorphically, and a
// plaintext backend with identical envelope semantics for development and
// tests.
package confidential

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
)

var (
	// ErrMalformedCiphertext is returned when a sealed blob fails structural
	// or integrity checks, or belongs to a different backend.
	ErrMalformedCiphertext = errors.New("confidential: malformed ciphertext")

	// ErrDecryptionUnauthorized is returned when a capability without reveal
	// authority attempts to open an encrypted verdict.
	ErrDecryptionUnauthorized = errors.New("confidential: reveal not authorized")
)

// Backend identifies the encryption scheme a sealed blob belongs to.
type Backend byte

const (
	BackendPlaintext Backend = 0x01
	BackendTFHE      Backend = 0x02
)

func (b Backend) String() string {
	switch b {
	case BackendPlaintext:
		return "plaintext"
	case BackendTFHE:
		return "tfhe"
	}
	return "unknown"
}

// payloadKind distinguishes sealed thresholds from sealed boolean verdicts so
// one can never be passed where the other is expected.
type payloadKind byte

const (
	kindThreshold payloadKind = 0x01
	kindVerdict   payloadKind = 0x02
)

// Envelope layout: magic(4) | backend(1) | kind(1) | checksum(8) | payload.
var envelopeMagic = []byte{'i', 'l', 's', '1'}

const (
	envelopeHeaderLen = 4 + 1 + 1 + 8
	checksumOffset    = 6
)

func seal(backend Backend, kind payloadKind, payload []byte) []byte {
	out := make([]byte, envelopeHeaderLen+len(payload))
	copy(out, envelopeMagic)
	out[4] = byte(backend)
	out[5] = byte(kind)
	sum := sha256.Sum256(payload)
	copy(out[checksumOffset:], sum[:8])
	copy(out[envelopeHeaderLen:], payload)
	return out
}

func open(blob []byte, wantKind payloadKind) (Backend, []byte, error) {
	if len(blob) < envelopeHeaderLen || !bytes.Equal(blob[:4], envelopeMagic) {
		return 0, nil, ErrMalformedCiphertext
	}
	backend := Backend(blob[4])
	if backend != BackendPlaintext && backend != BackendTFHE {
		return 0, nil, ErrMalformedCiphertext
	}
	if payloadKind(blob[5]) != wantKind {
		return 0, nil, ErrMalformedCiphertext
	}
	payload := blob[envelopeHeaderLen:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(blob[checksumOffset:envelopeHeaderLen], sum[:8]) {
		return 0, nil, ErrMalformedCiphertext
	}
	return backend, payload, nil
}

// Ciphertext is a sealed encrypted threshold. The zero value is invalid;
// obtain one from Capability.EncryptThreshold or ParseCiphertext.
type Ciphertext struct {
	backend Backend
	payload []byte
}

// ParseCiphertext validates a sealed threshold blob as stored on a position.
func ParseCiphertext(blob []byte) (Ciphertext, error) {
	backend, payload, err := open(blob, kindThreshold)
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{backend: backend, payload: payload}, nil
}

// Backend reports which scheme produced the ciphertext.
func (c Ciphertext) Backend() Backend { return c.backend }

// Bytes returns the sealed envelope for storage.
func (c Ciphertext) Bytes() []byte { return seal(c.backend, kindThreshold, c.payload) }

// EncryptedBool is a sealed encrypted comparison verdict.
type EncryptedBool struct {
	backend Backend
	payload []byte
}

// ParseVerdict validates a sealed verdict blob.
func ParseVerdict(blob []byte) (EncryptedBool, error) {
	backend, payload, err := open(blob, kindVerdict)
	if err != nil {
		return EncryptedBool{}, err
	}
	return EncryptedBool{backend: backend, payload: payload}, nil
}

// Bytes returns the sealed envelope.
func (b EncryptedBool) Bytes() []byte { return seal(b.backend, kindVerdict, b.payload) }

// Capability is the confidential-comparison interface the protection
// controller depends on. Implementations must treat an encrypted threshold as
// write-only: CompareExceeds answers "ilBps >= threshold" without ever
// materialising the threshold in the clear, and only Reveal, gated by the
// capability's reveal authority, opens the verdict.
type Capability interface {
	// Backend reports the scheme this capability produces and accepts.
	Backend() Backend

	// EncryptThreshold seals a threshold given in basis points.
	EncryptThreshold(ctx context.Context, bps uint64) (Ciphertext, error)

	// CompareExceeds computes the encrypted verdict of ilBps >= threshold.
	// Honors ctx cancellation; a deadline hit surfaces as ctx.Err().
	CompareExceeds(ctx context.Context, threshold Ciphertext, ilBps uint64) (EncryptedBool, error)

	// Reveal opens an encrypted verdict. Fails with ErrDecryptionUnauthorized
	// when the capability was constructed without reveal authority.
	Reveal(ctx context.Context, verdict EncryptedBool) (bool, error)
}
