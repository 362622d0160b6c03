package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"drivault/internal/models"
)

func testItem(t *testing.T, st *Store, rootID, providerItemID string) *models.BackupItem {
	t.Helper()
	item := &models.BackupItem{
		SyncRootID:     rootID,
		ProviderItemID: providerItemID,
		Name:           providerItemID,
		Path:           providerItemID,
		ItemType:       models.ItemTypeFile,
	}
	if err := st.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func testVersion(t *testing.T, st *Store, accountID, itemID, digest string, capturedAt time.Time) *models.FileVersion {
	t.Helper()
	version := &models.FileVersion{
		AccountID:    accountID,
		BackupItemID: itemID,
		Digest:       digest,
		ObservedPath: "doc.txt",
		Reason:       models.VersionReasonUpdate,
		CapturedAt:   capturedAt,
	}
	if err := st.EnsureBlob(context.Background(), accountID, digest, 3); err != nil {
		t.Fatalf("ensure blob: %v", err)
	}
	if err := st.CreateVersion(context.Background(), version); err != nil {
		t.Fatalf("create version: %v", err)
	}
	return version
}

func fakeDigest(n int) string {
	return fmt.Sprintf("sha256:%064x", n)
}

func TestLatestVersionOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	account := testAccount(t, st)
	root := testRoot(t, st, account.ID)
	item := testItem(t, st, root.ID, "file-1")

	base := time.Now().UTC().Add(-time.Hour)
	testVersion(t, st, account.ID, item.ID, fakeDigest(1), base)
	testVersion(t, st, account.ID, item.ID, fakeDigest(2), base.Add(time.Minute))
	newest := testVersion(t, st, account.ID, item.ID, fakeDigest(3), base.Add(2*time.Minute))

	got, err := st.LatestVersion(ctx, item.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.ID != newest.ID {
		t.Fatalf("expected newest version %s, got %#v", newest.ID, got)
	}

	versions, err := st.ListVersions(ctx, item.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 3 || versions[0].ID != newest.ID {
		t.Fatalf("expected 3 versions newest first, got %d", len(versions))
	}
}

func TestCreateVersionRejectsBadReason(t *testing.T) {
	st := testStore(t)
	account := testAccount(t, st)
	root := testRoot(t, st, account.ID)
	item := testItem(t, st, root.ID, "file-1")

	err := st.CreateVersion(context.Background(), &models.FileVersion{
		AccountID:    account.ID,
		BackupItemID: item.ID,
		Digest:       fakeDigest(1),
		Reason:       "whatever",
	})
	if err == nil {
		t.Fatal("expected reason validation error")
	}
}

func TestEnsureBlobIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	account := testAccount(t, st)
	digest := fakeDigest(7)

	if err := st.EnsureBlob(ctx, account.ID, digest, 10); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := st.EnsureBlob(ctx, account.ID, digest, 10); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	blob, err := st.GetBlob(ctx, account.ID, digest)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	if blob == nil || blob.SizeBytes != 10 {
		t.Fatalf("unexpected blob: %#v", blob)
	}
}

func TestDeleteVersionsComputesOrphans(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	account := testAccount(t, st)
	root := testRoot(t, st, account.ID)
	item := testItem(t, st, root.ID, "file-1")
	other := testItem(t, st, root.ID, "file-2")

	base := time.Now().UTC().Add(-time.Hour)
	// Digest 1 is shared with another item and must survive; digest 2
	// becomes orphaned.
	doomed1 := testVersion(t, st, account.ID, item.ID, fakeDigest(1), base)
	doomed2 := testVersion(t, st, account.ID, item.ID, fakeDigest(2), base.Add(time.Minute))
	testVersion(t, st, account.ID, other.ID, fakeDigest(1), base.Add(2*time.Minute))

	orphans, err := st.DeleteVersions(ctx, account.ID, []string{doomed1.ID, doomed2.ID})
	if err != nil {
		t.Fatalf("delete versions: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Digest != fakeDigest(2) {
		t.Fatalf("expected only digest 2 orphaned, got %#v", orphans)
	}

	// The shared blob row survives, the orphan row is gone.
	if blob, err := st.GetBlob(ctx, account.ID, fakeDigest(1)); err != nil || blob == nil {
		t.Fatalf("expected shared blob kept: %v %v", blob, err)
	}
	if blob, err := st.GetBlob(ctx, account.ID, fakeDigest(2)); err != nil || blob != nil {
		t.Fatalf("expected orphan blob row deleted: %v %v", blob, err)
	}

	versions, err := st.ListVersions(ctx, item.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions left, got %d", len(versions))
	}
}

func TestDeleteVersionsEmpty(t *testing.T) {
	st := testStore(t)
	account := testAccount(t, st)

	orphans, err := st.DeleteVersions(context.Background(), account.ID, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if orphans != nil {
		t.Fatalf("expected nil, got %#v", orphans)
	}
}

func TestListUnreferencedBlobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	account := testAccount(t, st)
	root := testRoot(t, st, account.ID)
	item := testItem(t, st, root.ID, "file-1")

	testVersion(t, st, account.ID, item.ID, fakeDigest(1), time.Now().UTC())
	// A blob row with no version referencing it.
	if err := st.EnsureBlob(ctx, account.ID, fakeDigest(9), 5); err != nil {
		t.Fatalf("ensure blob: %v", err)
	}

	blobs, err := st.ListUnreferencedBlobs(ctx, account.ID, 0)
	if err != nil {
		t.Fatalf("list unreferenced: %v", err)
	}
	if len(blobs) != 1 || blobs[0].Digest != fakeDigest(9) {
		t.Fatalf("expected only the dangling blob, got %#v", blobs)
	}
}

func TestDuplicateRevisionRejected(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	account := testAccount(t, st)
	root := testRoot(t, st, account.ID)
	item := testItem(t, st, root.ID, "file-1")

	if err := st.EnsureBlob(ctx, account.ID, fakeDigest(1), 3); err != nil {
		t.Fatalf("ensure blob: %v", err)
	}
	first := &models.FileVersion{
		AccountID:      account.ID,
		BackupItemID:   item.ID,
		Digest:         fakeDigest(1),
		ETagOrRevision: "rev-1",
		Reason:         models.VersionReasonUpdate,
	}
	if err := st.CreateVersion(ctx, first); err != nil {
		t.Fatalf("first version: %v", err)
	}

	dupe := &models.FileVersion{
		AccountID:      account.ID,
		BackupItemID:   item.ID,
		Digest:         fakeDigest(1),
		ETagOrRevision: "rev-1",
		Reason:         models.VersionReasonUpdate,
	}
	if err := st.CreateVersion(ctx, dupe); err == nil {
		t.Fatal("expected unique revision constraint error")
	}

	// A pre_delete snapshot of the same revision is allowed.
	snapshot := &models.FileVersion{
		AccountID:      account.ID,
		BackupItemID:   item.ID,
		Digest:         fakeDigest(1),
		ETagOrRevision: "rev-1",
		Reason:         models.VersionReasonPreDelete,
	}
	if err := st.CreateVersion(ctx, snapshot); err != nil {
		t.Fatalf("pre_delete snapshot: %v", err)
	}
}
