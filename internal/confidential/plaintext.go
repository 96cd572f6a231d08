package confidential

import (
	"context"
	"encoding/binary"
)

// Plaintext is the mock backend: same envelopes, same capability contract,
// no actual encryption. It exists so every protection path can run in
// development and tests without TFHE key material.
type Plaintext struct {
	canReveal bool
}

// NewPlaintext returns a plaintext capability with reveal authority.
func NewPlaintext() *Plaintext {
	return &Plaintext{canReveal: true}
}

// NewPlaintextObserver returns a plaintext capability that can encrypt and
// compare but not reveal.
func NewPlaintextObserver() *Plaintext {
	return &Plaintext{canReveal: false}
}

func (p *Plaintext) Backend() Backend { return BackendPlaintext }

func (p *Plaintext) EncryptThreshold(_ context.Context, bps uint64) (Ciphertext, error) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, bps)
	return Ciphertext{backend: BackendPlaintext, payload: payload}, nil
}

func (p *Plaintext) CompareExceeds(_ context.Context, threshold Ciphertext, ilBps uint64) (EncryptedBool, error) {
	if threshold.backend != BackendPlaintext || len(threshold.payload) != 8 {
		return EncryptedBool{}, ErrMalformedCiphertext
	}
	verdict := byte(0)
	if ilBps >= binary.BigEndian.Uint64(threshold.payload) {
		verdict = 1
	}
	return EncryptedBool{backend: BackendPlaintext, payload: []byte{verdict}}, nil
}

func (p *Plaintext) Reveal(_ context.Context, verdict EncryptedBool) (bool, error) {
	if !p.canReveal {
		return false, ErrDecryptionUnauthorized
	}
	if verdict.backend != BackendPlaintext || len(verdict.payload) != 1 {
		return false, ErrMalformedCiphertext
	}
	return verdict.payload[0] != 0, nil
}
