package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/encryption"
	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/process"
	"github.com/contentgate/contentgate/internal/storage"
	"github.com/contentgate/contentgate/internal/storage/memory"
	"github.com/contentgate/contentgate/internal/storage/registry"
)

// fakeRepo keeps records in a map, mirroring the row-level semantics the
// postgres repository gets from its transactions.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*Record)}
}

func clone(rec *Record) *Record {
	c := *rec
	return &c
}

func (f *fakeRepo) Insert(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.UUID] = clone(rec)
	return nil
}

func (f *fakeRepo) FindActive(_ context.Context, nodeID, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.NodeID == nodeID && rec.Key == key && rec.Status == StatusActive {
			return clone(rec), nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) FindByUUID(_ context.Context, uuid string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[uuid]; ok {
		return clone(rec), nil
	}
	return nil, nil
}

func (f *fakeRepo) Activate(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.NodeID == rec.NodeID && r.Key == rec.Key && r.Status == StatusActive {
			return apperr.New(apperr.KindConflict, "active content already exists")
		}
	}
	stored, ok := f.records[rec.UUID]
	if !ok || stored.Status != StatusDraft {
		return apperr.New(apperr.KindConflict, "not a draft")
	}
	stored.Status = StatusActive
	return nil
}

func (f *fakeRepo) SwapActive(_ context.Context, oldUUID, newUUID string, deletedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.records[oldUUID]
	if !ok || old.Status != StatusActive {
		return apperr.New(apperr.KindConflict, "old record not active")
	}
	next, ok := f.records[newUUID]
	if !ok || next.Status != StatusDraft {
		return apperr.New(apperr.KindConflict, "new record not a draft")
	}
	old.Status = StatusDeleted
	old.DeletedAt = &deletedAt
	next.Status = StatusActive
	return nil
}

func (f *fakeRepo) MarkDeleted(_ context.Context, uuid string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[uuid]
	if !ok || rec.Status != StatusActive {
		return apperr.New(apperr.KindConflict, "not active")
	}
	rec.Status = StatusDeleted
	rec.DeletedAt = &at
	return nil
}

func (f *fakeRepo) MarkDeleteAttempt(_ context.Context, uuid string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[uuid]; ok {
		rec.LastDeleteAttemptAt = &at
	}
	return nil
}

func (f *fakeRepo) FindDeletable(_ context.Context, opts SweepOptions) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, rec := range f.records {
		deletable := (rec.Status == StatusDeleted && rec.DeletedAt != nil && rec.DeletedAt.Before(opts.DeletedBefore)) ||
			(rec.Status == StatusDraft && rec.CreatedAt.Before(opts.DraftBefore))
		if !deletable {
			continue
		}
		if rec.LastDeleteAttemptAt != nil && !rec.LastDeleteAttemptAt.Before(opts.AttemptBefore) {
			continue
		}
		out = append(out, clone(rec))
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteRow(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, uuid)
	return nil
}

func (f *fakeRepo) activeCount(nodeID, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.NodeID == nodeID && rec.Key == key && rec.Status == StatusActive {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	backend storage.Backend
}

func (f *fakeResolver) Resolve(*int64) (storage.Backend, *registry.Backbone, error) {
	return f.backend, &registry.Backbone{BackboneRow: registry.BackboneRow{ID: 1}}, nil
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeRepo, *memory.Backend) {
	t.Helper()
	repo := newFakeRepo()
	backend := memory.New()
	store := NewStore(repo, &fakeResolver{backend: backend}, process.NewDefaultProcessor(), cfg)
	return store, repo, backend
}

func upload(t *testing.T, payload []byte) Upload {
	t.Helper()
	h, err := locator.FromBuffer(payload)
	if err != nil {
		t.Fatal(err)
	}
	return Upload{Content: h, MimeType: "application/octet-stream", OriginalName: "data.bin", CreatedBy: "tester"}
}

func readRetriever(t *testing.T, r *Retriever, rng *locator.ByteRange) []byte {
	t.Helper()
	rc, err := r.ContentProvider(context.Background(), rng)
	if err != nil {
		t.Fatalf("ContentProvider: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestCreateRetrieveRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	payload := []byte("stored payload bytes")

	rec, err := store.Create(ctx, "node-1", "", upload(t, payload))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusActive {
		t.Errorf("status %s, want ACTIVE", rec.Status)
	}
	if rec.Version != 1 {
		t.Errorf("version %d, want 1", rec.Version)
	}
	if rec.Size != int64(len(payload)) {
		t.Errorf("size %d, want %d", rec.Size, len(payload))
	}
	if rec.Metadata.SHA256 == "" || rec.Metadata.ETag == "" {
		t.Error("missing content hashes")
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if r.ContentSize() != int64(len(payload)) {
		t.Errorf("retriever size %d", r.ContentSize())
	}
	if got := readRetriever(t, r, nil); !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: %q", got)
	}

	rng, _ := locator.NewRange(7, 13)
	if got := readRetriever(t, r, rng); string(got) != "payload" {
		t.Errorf("ranged read: %q", got)
	}
}

func TestCreateConflictOnExistingActive(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("first"))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("second")))
	if !apperr.IsConflict(err) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestUpdateSwapsActiveAtomically(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{})
	ctx := context.Background()

	first, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("version one")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := store.Update(ctx, "node-1", DefaultKey, upload(t, []byte("version two")))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if second.Version != first.Version+1 {
		t.Errorf("version %d, want %d", second.Version, first.Version+1)
	}
	if n := repo.activeCount("node-1", DefaultKey); n != 1 {
		t.Errorf("%d active records, want exactly 1", n)
	}
	old, _ := repo.FindByUUID(ctx, first.UUID)
	if old.Status != StatusDeleted || old.DeletedAt == nil {
		t.Errorf("old record not soft-deleted: %s", old.Status)
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := readRetriever(t, r, nil); string(got) != "version two" {
		t.Errorf("retrieved %q after update", got)
	}
}

func TestUpdateOptimisticLock(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("v1"))); err != nil {
		t.Fatalf("Create: %v", err)
	}

	up := upload(t, []byte("v2"))
	up.ExpectedVersion = 99
	if _, err := store.Update(ctx, "node-1", DefaultKey, up); !apperr.IsConflict(err) {
		t.Errorf("expected Conflict on version mismatch, got %v", err)
	}

	up = upload(t, []byte("v2"))
	up.ExpectedVersion = 1
	if _, err := store.Update(ctx, "node-1", DefaultKey, up); err != nil {
		t.Errorf("matching version rejected: %v", err)
	}
}

func TestUpdateWithoutActiveIsNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	if _, err := store.Update(context.Background(), "node-1", DefaultKey, upload(t, []byte("x"))); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRetrieveNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	if _, err := store.Retrieve(context.Background(), "nope", DefaultKey); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestEncryptedRangedRetrieve(t *testing.T) {
	store, _, backend := newTestStore(t, Config{EncryptionAlgorithm: encryption.AlgorithmAES256CTR})
	ctx := context.Background()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	rec, err := store.Create(ctx, "node-1", DefaultKey, upload(t, payload))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Encryption == nil || rec.Encryption.Algorithm != encryption.AlgorithmAES256CTR {
		t.Fatal("record carries no encryption spec")
	}

	// Stored bytes must not be plaintext.
	entity := storage.Entity{NodeID: "node-1", ContentUUID: rec.UUID}
	stored, err := backend.Read(ctx, entity)
	if err != nil {
		t.Fatalf("backend read: %v", err)
	}
	rc, _ := stored.Open(ctx, nil)
	raw, _ := io.ReadAll(rc)
	rc.Close()
	if bytes.Equal(raw, payload) {
		t.Fatal("backend holds plaintext")
	}
	if len(raw) != len(payload) {
		t.Fatalf("ciphertext length %d, want %d", len(raw), len(payload))
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := readRetriever(t, r, nil); !bytes.Equal(got, payload) {
		t.Fatal("full decrypt mismatch")
	}

	rng, _ := locator.NewRange(250, 379)
	got := readRetriever(t, r, rng)
	if len(got) != 130 {
		t.Fatalf("ranged decrypt returned %d bytes, want 130", len(got))
	}
	if !bytes.Equal(got, payload[250:380]) {
		t.Error("ranged decrypt mismatch")
	}
}

func TestEncryptedAuthenticatedRangedRetrieve(t *testing.T) {
	store, _, _ := newTestStore(t, Config{EncryptionAlgorithm: encryption.AlgorithmAES256GCM})
	ctx := context.Background()

	payload := []byte("authenticated content, range reads decrypt the whole object")
	if _, err := store.Create(ctx, "node-1", DefaultKey, upload(t, payload)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := readRetriever(t, r, nil); !bytes.Equal(got, payload) {
		t.Fatal("full decrypt mismatch")
	}

	rng, _ := locator.NewRange(14, 20)
	if got := readRetriever(t, r, rng); !bytes.Equal(got, payload[14:21]) {
		t.Errorf("ranged decrypt: %q, want %q", got, payload[14:21])
	}
}

func TestDeleteAndSweep(t *testing.T) {
	store, repo, backend := newTestStore(t, Config{
		DeleteGracePeriod: -time.Second, // sweepable immediately
		DraftStaleAfter:   time.Hour,
		DeleteRetryAfter:  time.Minute,
	})
	ctx := context.Background()

	rec, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("doomed")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, "node-1", DefaultKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Soft-deleted: row kept, bytes kept, reads fail.
	if _, err := store.Retrieve(ctx, "node-1", DefaultKey); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if backend.Len() == 0 {
		t.Fatal("bytes reclaimed before sweep")
	}

	reclaimed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed %d, want 1", reclaimed)
	}
	if backend.Len() != 0 {
		t.Errorf("%d objects left after sweep", backend.Len())
	}
	if got, _ := repo.FindByUUID(ctx, rec.UUID); got != nil {
		t.Error("row still present after sweep")
	}
}

func TestSweepReclaimsStaleDrafts(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{
		DeleteGracePeriod: time.Hour,
		DraftStaleAfter:   time.Minute,
		DeleteRetryAfter:  time.Minute,
	})
	ctx := context.Background()

	// Simulate a crash between insert and activation: a draft row with bytes.
	stale := &Record{
		UUID:      "stale-draft",
		NodeID:    "node-1",
		Key:       DefaultKey,
		Version:   1,
		Status:    StatusDraft,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := repo.Insert(ctx, stale); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed %d, want 1", reclaimed)
	}
	if got, _ := repo.FindByUUID(ctx, "stale-draft"); got != nil {
		t.Error("stale draft row survived sweep")
	}
}

func TestRetrieveAsset(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	// A PNG upload produces a thumbnail asset through the processor; a plain
	// blob does not. Use a name-only check here via a tiny valid image.
	if _, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("plain"))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.RetrieveAsset(ctx, "node-1", DefaultKey, "thumbnail"); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound for absent asset, got %v", err)
	}
}

func TestCopyEncryptedFallsBackToReupload(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{EncryptionAlgorithm: encryption.AlgorithmAES256CTR})
	ctx := context.Background()

	src, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("secret bytes")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	copied, err := store.Copy(ctx, "node-1", "node-2", DefaultKey)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	// The fallback re-encrypts; the copy must not share key material.
	if copied.Encryption == nil {
		t.Fatal("copy lost encryption")
	}
	if bytes.Equal(copied.Encryption.Key, src.Encryption.Key) {
		t.Error("copy reused the source encryption key")
	}
	if n := repo.activeCount("node-2", DefaultKey); n != 1 {
		t.Errorf("%d active records on target, want 1", n)
	}

	r, err := store.Retrieve(ctx, "node-2", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve copy: %v", err)
	}
	if got := readRetriever(t, r, nil); string(got) != "secret bytes" {
		t.Errorf("copied bytes: %q", got)
	}
}

func TestCreateOpensSourceOnce(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	// Sources such as reassembled upload parts can only be streamed once.
	payload := []byte("single use source stream")
	opens := 0
	h, err := locator.FromOpener(func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		opens++
		if opens > 1 {
			return nil, fmt.Errorf("source opened %d times", opens)
		}
		return io.NopCloser(bytes.NewReader(payload)), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := store.Create(ctx, "node-1", DefaultKey, Upload{Content: h, OriginalName: "data.bin"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if opens != 1 {
		t.Errorf("source opened %d times, want 1", opens)
	}
	if rec.Size != int64(len(payload)) {
		t.Errorf("size %d, want %d", rec.Size, len(payload))
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := readRetriever(t, r, nil); !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

// retryingBackend opens the write handle twice, abandoning a partially
// drained first attempt the way a transport-level retry does.
type retryingBackend struct {
	*memory.Backend
}

func (b *retryingBackend) Write(ctx context.Context, entity storage.Entity, content *locator.Handle) error {
	rc, err := content.Open(ctx, nil)
	if err != nil {
		return err
	}
	io.CopyN(io.Discard, rc, 10)
	rc.Close()
	return b.Backend.Write(ctx, entity, content)
}

func TestEncryptedWriteSurvivesRetriedBackendWrite(t *testing.T) {
	repo := newFakeRepo()
	backend := &retryingBackend{Backend: memory.New()}
	store := NewStore(repo, &fakeResolver{backend: backend},
		process.NewDefaultProcessor(), Config{EncryptionAlgorithm: encryption.AlgorithmAES256CTR})
	ctx := context.Background()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i % 241)
	}
	rec, err := store.Create(ctx, "node-1", DefaultKey, upload(t, payload))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The stored object must be the complete ciphertext even though the
	// first open was drained and thrown away.
	entity := storage.Entity{NodeID: "node-1", ContentUUID: rec.UUID}
	stored, err := backend.Read(ctx, entity)
	if err != nil {
		t.Fatalf("backend read: %v", err)
	}
	rc, _ := stored.Open(ctx, nil)
	raw, _ := io.ReadAll(rc)
	rc.Close()
	if len(raw) != len(payload) {
		t.Fatalf("stored %d bytes, want %d", len(raw), len(payload))
	}

	r, err := store.Retrieve(ctx, "node-1", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := readRetriever(t, r, nil); !bytes.Equal(got, payload) {
		t.Error("decrypt mismatch after retried write")
	}
}

func TestCopyServerSide(t *testing.T) {
	store, repo, _ := newTestStore(t, Config{})
	ctx := context.Background()

	src, err := store.Create(ctx, "node-1", DefaultKey, upload(t, []byte("copy me")))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	copied, err := store.Copy(ctx, "node-1", "node-2", DefaultKey)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if copied.NodeID != "node-2" {
		t.Errorf("copied to node %s", copied.NodeID)
	}
	if copied.Metadata.SHA256 != src.Metadata.SHA256 {
		t.Error("hash not preserved across copy")
	}
	if n := repo.activeCount("node-2", DefaultKey); n != 1 {
		t.Errorf("%d active records on target, want 1", n)
	}

	r, err := store.Retrieve(ctx, "node-2", DefaultKey)
	if err != nil {
		t.Fatalf("Retrieve copy: %v", err)
	}
	if got := readRetriever(t, r, nil); string(got) != "copy me" {
		t.Errorf("copied bytes: %q", got)
	}
}
