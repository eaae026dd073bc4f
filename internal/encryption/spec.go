// Package encryption wraps content streams with a symmetric cipher and
// computes the block-aligned fetch windows that make HTTP range requests
// against encrypted objects possible without decrypting the whole object.
package encryption

import (
	"crypto/rand"
	"fmt"

	"github.com/contentgate/contentgate/internal/apperr"
)

// Algorithm identifies a cipher from the supported closed set.
type Algorithm string

const (
	// AlgorithmAES256CTR is counter mode: no authentication, but random
	// access to any block boundary via keystream repositioning.
	AlgorithmAES256CTR Algorithm = "AES-256-CTR"
	// AlgorithmAES256GCM is authenticated whole-object encryption. Range
	// reads require fetching and verifying the entire ciphertext.
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
)

// Properties describes the static traits of an algorithm.
type Properties struct {
	KeySize       int
	IVSize        int
	BlockSize     int
	Authenticated bool
	RandomAccess  bool
}

var algorithms = map[Algorithm]Properties{
	AlgorithmAES256CTR: {KeySize: 32, IVSize: 16, BlockSize: 16, Authenticated: false, RandomAccess: true},
	AlgorithmAES256GCM: {KeySize: 32, IVSize: 16, BlockSize: 16, Authenticated: true, RandomAccess: false},
}

// PropertiesOf returns the traits of the algorithm, or Unsupported for an
// algorithm outside the registry.
func PropertiesOf(alg Algorithm) (Properties, error) {
	p, ok := algorithms[alg]
	if !ok {
		return Properties{}, apperr.New(apperr.KindUnsupported, "unknown encryption algorithm %q", alg)
	}
	return p, nil
}

// Spec carries everything needed to decrypt one stored object.
type Spec struct {
	Algorithm Algorithm `json:"algorithm"`
	Key       []byte    `json:"key"`
	IV        []byte    `json:"iv"`
	// AuthTag is required to decrypt authenticated algorithms. On the
	// encrypt path it is populated only once the ciphertext stream has been
	// fully drained.
	AuthTag []byte `json:"auth_tag,omitempty"`
	// IVBlockOffset repositions the keystream for random-access algorithms.
	// Runtime-only, never persisted.
	IVBlockOffset int64 `json:"-"`
}

// EnsureKeyMaterial fills in a random key and IV when absent and validates
// supplied material against the algorithm's sizes.
func (s *Spec) EnsureKeyMaterial() error {
	props, err := PropertiesOf(s.Algorithm)
	if err != nil {
		return err
	}

	if s.Key == nil {
		s.Key = make([]byte, props.KeySize)
		if _, err := rand.Read(s.Key); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
	} else if len(s.Key) != props.KeySize {
		return apperr.New(apperr.KindInvalidArgument, "%s key must be %d bytes, got %d", s.Algorithm, props.KeySize, len(s.Key))
	}

	if s.IV == nil {
		s.IV = make([]byte, props.IVSize)
		if _, err := rand.Read(s.IV); err != nil {
			return fmt.Errorf("generate iv: %w", err)
		}
	} else if len(s.IV) != props.IVSize {
		return apperr.New(apperr.KindInvalidArgument, "%s iv must be %d bytes, got %d", s.Algorithm, props.IVSize, len(s.IV))
	}

	return nil
}
