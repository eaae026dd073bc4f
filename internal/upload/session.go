// Package upload implements resumable multipart uploads: sessions accept
// out-of-order parts, validate completeness, and reassemble an ordered
// composite stream that the content store finalizes as one version.
package upload

import (
	"fmt"
	"path/filepath"
	"time"
)

// Session lifecycle states. FINALIZED and CLEARED are terminal.
const (
	SessionActive     = "ACTIVE"
	SessionFinalizing = "FINALIZING"
	SessionFinalized  = "FINALIZED"
	SessionDeleted    = "DELETED"
	SessionCleared    = "CLEARED"
)

// Part lifecycle states. At most one part is ACTIVE per (session, number).
const (
	PartDraft   = "DRAFT"
	PartActive  = "ACTIVE"
	PartDeleted = "DELETED"
	PartCleared = "CLEARED"
)

// Session is one resumable upload owned by the creating client.
type Session struct {
	UUID           string
	NodeID         string
	Status         string
	ContentSize    int64
	MimeType       string
	OriginalName   string
	DeclaredSHA256 string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	CreatedBy      string
}

// Part is one uploaded chunk. Re-uploads of a number create new rows; the
// superseded row is deactivated, never mutated in place.
type Part struct {
	UUID        string
	SessionUUID string
	PartNumber  int
	Size        int64
	SHA256      string
	Status      string
	CreatedAt   time.Time
}

// LockCode returns the resource code serializing this session's transitions.
func (s *Session) LockCode() string {
	return fmt.Sprintf("upload-session:%s", s.UUID)
}

// Root returns the session's physical namespace under the upload root.
func (s *Session) Root(uploadRoot string) string {
	return filepath.Join(uploadRoot, s.UUID)
}

// PartPath returns where a part's raw bytes live. Ordering is reconstructed
// from the database, never from filenames.
func (s *Session) PartPath(uploadRoot, partUUID string) string {
	return filepath.Join(s.Root(uploadRoot), "parts", partUUID)
}
