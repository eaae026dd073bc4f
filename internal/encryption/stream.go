package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/contentgate/contentgate/internal/apperr"
)

// Encrypt pipes plaintext through the cipher described by spec. A missing
// key or IV is generated and written back into spec for persistence.
//
// For authenticated algorithms the returned stream carries the ciphertext
// body only; spec.AuthTag is populated when the stream has been fully
// drained and must not be read before then.
func Encrypt(plaintext io.Reader, spec *Spec) (io.Reader, error) {
	if err := spec.EnsureKeyMaterial(); err != nil {
		return nil, err
	}

	switch spec.Algorithm {
	case AlgorithmAES256CTR:
		block, err := aes.NewCipher(spec.Key)
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		return cipher.StreamReader{S: cipher.NewCTR(block, spec.IV), R: plaintext}, nil

	case AlgorithmAES256GCM:
		return &sealingReader{plaintext: plaintext, spec: spec}, nil

	default:
		return nil, apperr.New(apperr.KindUnsupported, "unknown encryption algorithm %q", spec.Algorithm)
	}
}

// Decrypt reverses Encrypt. For random-access algorithms spec.IVBlockOffset
// seeds the keystream at the right block so the ciphertext may start at any
// aligned boundary. Authenticated algorithms verify spec.AuthTag and fail
// with AuthenticationFailed on mismatch, never returning partial plaintext.
func Decrypt(ciphertext io.Reader, spec *Spec) (io.Reader, error) {
	props, err := PropertiesOf(spec.Algorithm)
	if err != nil {
		return nil, err
	}
	if len(spec.Key) != props.KeySize {
		return nil, apperr.New(apperr.KindInvalidArgument, "%s key must be %d bytes, got %d", spec.Algorithm, props.KeySize, len(spec.Key))
	}
	if len(spec.IV) != props.IVSize {
		return nil, apperr.New(apperr.KindInvalidArgument, "%s iv must be %d bytes, got %d", spec.Algorithm, props.IVSize, len(spec.IV))
	}

	switch spec.Algorithm {
	case AlgorithmAES256CTR:
		iv := spec.IV
		if spec.IVBlockOffset > 0 {
			iv, err = OffsetIV(spec.IV, spec.IVBlockOffset)
			if err != nil {
				return nil, err
			}
		}
		block, err := aes.NewCipher(spec.Key)
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		return cipher.StreamReader{S: cipher.NewCTR(block, iv), R: ciphertext}, nil

	case AlgorithmAES256GCM:
		if len(spec.AuthTag) == 0 {
			return nil, apperr.New(apperr.KindInvalidArgument, "%s requires an authentication tag to decrypt", spec.Algorithm)
		}
		return openGCM(ciphertext, spec)

	default:
		return nil, apperr.New(apperr.KindUnsupported, "unknown encryption algorithm %q", spec.Algorithm)
	}
}

// sealingReader defers GCM sealing until first read so the tag is computed
// from the complete plaintext, then records it on the Spec.
type sealingReader struct {
	plaintext io.Reader
	spec      *Spec
	body      *bytes.Reader
	err       error
}

func (s *sealingReader) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.body == nil {
		if err := s.seal(); err != nil {
			s.err = err
			return 0, err
		}
	}
	return s.body.Read(p)
}

func (s *sealingReader) seal() error {
	data, err := io.ReadAll(s.plaintext)
	if err != nil {
		return fmt.Errorf("drain plaintext: %w", err)
	}

	gcm, err := newGCM(s.spec)
	if err != nil {
		return err
	}

	sealed := gcm.Seal(nil, s.spec.IV, data, nil)
	tagStart := len(sealed) - gcm.Overhead()
	s.spec.AuthTag = sealed[tagStart:]
	s.body = bytes.NewReader(sealed[:tagStart])
	return nil
}

func openGCM(ciphertext io.Reader, spec *Spec) (io.Reader, error) {
	data, err := io.ReadAll(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("drain ciphertext: %w", err)
	}

	gcm, err := newGCM(spec)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(data)+len(spec.AuthTag))
	sealed = append(sealed, data...)
	sealed = append(sealed, spec.AuthTag...)

	plaintext, err := gcm.Open(nil, spec.IV, sealed, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthenticationFailed, "authentication tag mismatch: %v", err)
	}
	return bytes.NewReader(plaintext), nil
}

func newGCM(spec *Spec) (cipher.AEAD, error) {
	block, err := aes.NewCipher(spec.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(spec.IV))
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
