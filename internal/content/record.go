// Package content implements the versioned lifecycle of stored binaries:
// draft creation, atomic promotion to active, soft deletion, and the sweep
// that reclaims physical bytes afterwards.
package content

import (
	"time"

	"github.com/contentgate/contentgate/internal/encryption"
	"github.com/contentgate/contentgate/internal/locator"
)

// Record lifecycle states. Only StatusActive is visible to readers.
const (
	StatusDraft   = "DRAFT"
	StatusActive  = "ACTIVE"
	StatusDeleted = "DELETED"
)

// DefaultKey is the logical content slot used when a node carries a single
// binary.
const DefaultKey = "content"

// Metadata holds intrinsic properties computed at upload time.
type Metadata struct {
	SHA256 string            `json:"sha256,omitempty"`
	MD5    string            `json:"md5,omitempty"`
	ETag   string            `json:"etag,omitempty"`
	Facets map[string]string `json:"facets,omitempty"`
	// Assets lists the derived asset keys stored beside the main binary.
	Assets []string `json:"assets,omitempty"`
}

// HasAsset reports whether an asset key is recorded.
func (m *Metadata) HasAsset(key string) bool {
	for _, a := range m.Assets {
		if a == key {
			return true
		}
	}
	return false
}

// Record is one stored binary version for one node and key.
type Record struct {
	UUID         string
	NodeID       string
	Key          string
	Version      int64
	Status       string
	Size         int64
	MimeType     string
	OriginalName string
	BackboneID   *int64
	Encryption   *encryption.Spec
	Metadata     Metadata

	CreatedAt time.Time
	CreatedBy string

	DeletedAt           *time.Time
	LastDeleteAttemptAt *time.Time
}

// Upload describes incoming content handed to Create or Update.
type Upload struct {
	Content      *locator.Handle
	Size         int64
	MimeType     string
	OriginalName string
	CreatedBy    string

	// DeclaredSHA256, when set, is carried into the record metadata without
	// recomputation (used by copy to preserve verified hashes).
	DeclaredSHA256 string

	// ExpectedVersion enables optimistic locking on Update. Zero means no
	// version check.
	ExpectedVersion int64
}
