package confidential

import (
	"context"
	"sync"

	"github.com/luxfi/fhe"
)

// Shared TFHE components. Key generation is expensive, so one key set is
// lazily created per process and reused by every TFHE capability.
var (
	tfheOnce      sync.Once
	tfheParams    fhe.Parameters
	tfheEncryptor *fhe.BitwiseEncryptor
	tfheDecryptor *fhe.BitwiseDecryptor
	tfheEvaluator *fhe.BitwiseEvaluator
	tfheInitErr   error
)

func initTFHE() error {
	tfheOnce.Do(func() {
		var err error
		tfheParams, err = fhe.NewParametersFromLiteral(fhe.PN10QP27)
		if err != nil {
			tfheInitErr = err
			return
		}
		kg := fhe.NewKeyGenerator(tfheParams)
		sk, _ := kg.GenKeyPair()
		bsk := kg.GenBootstrapKey(sk)

		tfheEncryptor = fhe.NewBitwiseEncryptor(tfheParams, sk)
		tfheDecryptor = fhe.NewBitwiseDecryptor(tfheParams, sk)
		tfheEvaluator = fhe.NewBitwiseEvaluator(tfheParams, bsk, sk)
	})
	return tfheInitErr
}

// TFHE is the homomorphic backend. Thresholds are encrypted as FheUint32 bit
// ciphertexts (basis points fit in 14 bits) and compared with the bitwise
// Ge evaluator, so the threshold never exists in the clear after sealing.
type TFHE struct {
	canReveal bool
}

// NewTFHE returns a TFHE capability with reveal authority. The first call in
// a process generates the key set, which can take several seconds.
func NewTFHE() (*TFHE, error) {
	if err := initTFHE(); err != nil {
		return nil, err
	}
	return &TFHE{canReveal: true}, nil
}

// NewTFHEObserver returns a TFHE capability without reveal authority.
func NewTFHEObserver() (*TFHE, error) {
	if err := initTFHE(); err != nil {
		return nil, err
	}
	return &TFHE{canReveal: false}, nil
}

func (t *TFHE) Backend() Backend { return BackendTFHE }

func (t *TFHE) EncryptThreshold(_ context.Context, bps uint64) (Ciphertext, error) {
	ct := tfheEncryptor.EncryptUint64(bps, fhe.FheUint32)
	payload, err := ct.MarshalBinary()
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{backend: BackendTFHE, payload: payload}, nil
}

// CompareExceeds evaluates ilBps >= threshold homomorphically. The bitwise
// comparison is slow enough to matter, so it runs on its own goroutine and
// the context deadline bounds the wait; an abandoned evaluation finishes in
// the background and is discarded.
func (t *TFHE) CompareExceeds(ctx context.Context, threshold Ciphertext, ilBps uint64) (EncryptedBool, error) {
	if threshold.backend != BackendTFHE {
		return EncryptedBool{}, ErrMalformedCiphertext
	}
	thCt := new(fhe.BitCiphertext)
	if err := thCt.UnmarshalBinary(threshold.payload); err != nil {
		return EncryptedBool{}, ErrMalformedCiphertext
	}

	type compared struct {
		payload []byte
		err     error
	}
	done := make(chan compared, 1)
	go func() {
		ilCt := tfheEncryptor.EncryptUint64(ilBps, fhe.FheUint32)
		bit, err := tfheEvaluator.Ge(ilCt, thCt)
		if err != nil {
			done <- compared{err: err}
			return
		}
		payload, err := fhe.WrapBoolCiphertext(bit).MarshalBinary()
		done <- compared{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return EncryptedBool{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return EncryptedBool{}, r.err
		}
		return EncryptedBool{backend: BackendTFHE, payload: r.payload}, nil
	}
}

func (t *TFHE) Reveal(_ context.Context, verdict EncryptedBool) (bool, error) {
	if !t.canReveal {
		return false, ErrDecryptionUnauthorized
	}
	if verdict.backend != BackendTFHE {
		return false, ErrMalformedCiphertext
	}
	ct := new(fhe.BitCiphertext)
	if err := ct.UnmarshalBinary(verdict.payload); err != nil {
		return false, ErrMalformedCiphertext
	}
	return tfheDecryptor.DecryptUint64(ct) != 0, nil
}
