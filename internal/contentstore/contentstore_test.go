package contentstore

import (
	"context"
	"testing"

	"github.com/tonaudit/controlplane/internal/dbopen"
	"github.com/tonaudit/controlplane/internal/objectstore"
)

func newTestStore(t *testing.T) (*Store, *objectstore.Fake) {
	t.Helper()
	db, err := dbopen.OpenMemory(dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fake := objectstore.NewFake()
	return New(db, fake), fake
}

func TestPutBlobIsIdempotentByDigest(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	content := []byte("pragma solidity ^0.8.0;")

	b1, err := store.PutBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	b2, err := store.PutBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("second put: %v", err)
	}

	if b1.StorageKey != b2.StorageKey {
		t.Fatalf("want same storage key, got %q and %q", b1.StorageKey, b2.StorageKey)
	}
	if b1.Digest != Digest(content) {
		t.Fatalf("digest mismatch: %q", b1.Digest)
	}
	if fake.PutCalls() != 1 {
		t.Fatalf("want exactly one upload for a duplicate digest, got %d", fake.PutCalls())
	}
}

func TestGetBlobBytesReturnsStoredContent(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	content := []byte("contract Main {}")

	blob, err := store.PutBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	fake.FailNextPuts(0, nil) // no-op, exercising the zero case
	got, err := store.GetBlobBytes(ctx, blob.StorageKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("want %q, got %q", content, got)
	}
}

func TestLookupReturnsNilForAbsentDigest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	blob, err := store.Lookup(ctx, Digest([]byte("never stored")))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if blob != nil {
		t.Fatalf("want nil for absent digest, got %+v", blob)
	}
}
