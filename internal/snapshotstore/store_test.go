package snapshotstore

import (
	"context"
	"path/filepath"
	"testing"

	"procman/internal/domain"
)

func TestSaveLoadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "snapshots.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, found, err := store.Load(ctx, "checkout", "order-1"); err != nil || found {
		t.Fatalf("expected no snapshot yet, found=%v err=%v", found, err)
	}

	if err := store.Save(ctx, domain.SnapshotData{
		SourceType: "checkout", SourceUUID: "order-1", SourceVersion: 3, Data: []byte(`{"n":3}`),
	}); err != nil {
		t.Fatal(err)
	}

	got, found, err := store.Load(ctx, "checkout", "order-1")
	if err != nil || !found {
		t.Fatalf("expected snapshot found=%v err=%v", found, err)
	}
	if got.SourceVersion != 3 || string(got.Data) != `{"n":3}` {
		t.Fatalf("unexpected snapshot contents: %+v", got)
	}

	if err := store.Save(ctx, domain.SnapshotData{
		SourceType: "checkout", SourceUUID: "order-1", SourceVersion: 5, Data: []byte(`{"n":5}`),
	}); err != nil {
		t.Fatal(err)
	}
	got, _, _ = store.Load(ctx, "checkout", "order-1")
	if got.SourceVersion != 5 {
		t.Fatalf("expected upsert to overwrite version, got %d", got.SourceVersion)
	}

	if err := store.Delete(ctx, "checkout", "order-1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Load(ctx, "checkout", "order-1"); found {
		t.Fatal("expected snapshot deleted")
	}
}
