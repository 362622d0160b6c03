package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"drivault/internal/blobstore"
	"drivault/internal/lifecycle"
	"drivault/internal/models"
	"drivault/internal/provider"
	"drivault/internal/store"
)

type fakeProvider struct {
	startCursor string
	// pages queues change pages per requesting cursor; an exhausted
	// queue yields an empty final page.
	pages       map[string][]provider.ChangePage
	content     map[string]string
	invalid     map[string]bool
	downloadErr map[string]error
	authFail    bool
	downloads   int
}

func (f *fakeProvider) StartCursor(context.Context) (string, error) {
	return f.startCursor, nil
}

func (f *fakeProvider) Changes(_ context.Context, cursor string, _ int) (provider.ChangePage, error) {
	if f.authFail {
		return provider.ChangePage{}, &provider.AuthError{Cause: errors.New("token revoked")}
	}
	if f.invalid[cursor] {
		return provider.ChangePage{}, provider.ErrCursorInvalidated
	}
	queue := f.pages[cursor]
	if len(queue) == 0 {
		return provider.ChangePage{NextCursor: cursor, Exhausted: true}, nil
	}
	page := queue[0]
	f.pages[cursor] = queue[1:]
	return page, nil
}

func (f *fakeProvider) Download(_ context.Context, itemID string) (io.ReadCloser, error) {
	if err := f.downloadErr[itemID]; err != nil {
		return nil, err
	}
	content, ok := f.content[itemID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	f.downloads++
	return io.NopCloser(strings.NewReader(content)), nil
}

type testEnv struct {
	st      *store.Store
	blobs   *blobstore.AccountStore
	prov    *fakeProvider
	engine  *Engine
	account *models.Account
	root    *models.SyncRoot
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	account := &models.Account{Provider: models.ProviderGoogleDrive, Name: "Test", Email: "t@example.com", IsActive: true}
	if err := st.CreateAccount(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	root := &models.SyncRoot{AccountID: account.ID, ProviderRootID: "root", Name: "My Drive", IsEnabled: true}
	if err := st.CreateSyncRoot(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	blobs, err := blobstore.New(filepath.Join(dir, "backups"), string(account.Provider), account.ID)
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := lifecycle.New(st, blobs, 2, log)
	prov := &fakeProvider{
		startCursor: "c1",
		pages:       map[string][]provider.ChangePage{},
		content:     map[string]string{},
		invalid:     map[string]bool{},
	}
	engine := NewEngine(st, blobs, machine, prov, NewRegistry(), Options{PageSize: 10, MaxRetries: 2}, log)

	return &testEnv{st: st, blobs: blobs, prov: prov, engine: engine, account: account, root: root}
}

func fileItem(id, name, parentID, etag string) *provider.Item {
	return &provider.Item{ID: id, Name: name, ParentID: parentID, ETag: etag, Revision: etag, MimeType: "text/plain"}
}

func folderItem(id, name, parentID string) *provider.Item {
	return &provider.Item{ID: id, Name: name, ParentID: parentID, IsFolder: true}
}

func upsert(item *provider.Item) provider.ChangeEvent {
	return provider.ChangeEvent{ItemID: item.ID, Item: item}
}

func (env *testEnv) initialListing(events ...provider.ChangeEvent) {
	env.prov.pages[""] = append(env.prov.pages[""], provider.ChangePage{Events: events, Exhausted: true})
}

func (env *testEnv) run(t *testing.T, mode Mode) *Result {
	t.Helper()
	res, err := env.engine.Run(context.Background(), env.account, env.root, mode)
	if err != nil {
		t.Fatalf("run %s: %v", mode, err)
	}
	return res
}

func TestInitialFullSync(t *testing.T) {
	env := newTestEnv(t)
	env.prov.content["f1"] = "hello"
	env.prov.content["f2"] = "world"
	env.initialListing(
		upsert(folderItem("d1", "docs", "root")),
		upsert(fileItem("f1", "a.txt", "d1", "e1")),
		upsert(fileItem("f2", "b.txt", "root", "e2")),
	)

	res := env.run(t, ModeInitial)
	if res.FilesCreated != 2 || res.FilesUpdated != 0 {
		t.Fatalf("expected 2 created, got %+v", res)
	}
	if res.BytesDownloaded != int64(len("hello")+len("world")) {
		t.Fatalf("unexpected bytes: %d", res.BytesDownloaded)
	}

	root, err := env.st.GetSyncRoot(context.Background(), env.root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Cursor != "c1" {
		t.Fatalf("expected cursor c1, got %q", root.Cursor)
	}
	if root.LastSyncAt == nil {
		t.Fatal("expected last_sync_at set")
	}

	// Nested file materialized under its folder.
	path, err := env.blobs.CurrentPath("docs/a.txt")
	if err != nil {
		t.Fatalf("current path: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}

	runs, err := env.st.ListSyncRuns(context.Background(), env.root.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != models.SyncRunStatusCompleted {
		t.Fatalf("unexpected runs: %#v", runs)
	}
}

func TestIncrementalETagShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.prov.content["f1"] = "hello"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)
	downloadsAfterInitial := env.prov.downloads

	env.prov.pages["c1"] = []provider.ChangePage{{
		Events:     []provider.ChangeEvent{upsert(fileItem("f1", "a.txt", "root", "e1"))},
		NextCursor: "c2",
		Exhausted:  true,
	}}
	res := env.run(t, ModeIncremental)

	if env.prov.downloads != downloadsAfterInitial {
		t.Fatalf("expected no download for unchanged etag, got %d extra", env.prov.downloads-downloadsAfterInitial)
	}
	if res.FilesCreated != 0 || res.FilesUpdated != 0 {
		t.Fatalf("expected no version activity, got %+v", res)
	}
	if res.EndCursor != "c2" {
		t.Fatalf("expected cursor c2, got %q", res.EndCursor)
	}
}

func TestIncrementalUpdateAppendsVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "v1"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	env.prov.content["f1"] = "v2"
	env.prov.pages["c1"] = []provider.ChangePage{{
		Events:     []provider.ChangeEvent{upsert(fileItem("f1", "a.txt", "root", "e2"))},
		NextCursor: "c2",
		Exhausted:  true,
	}}
	res := env.run(t, ModeIncremental)
	if res.FilesUpdated != 1 {
		t.Fatalf("expected 1 updated, got %+v", res)
	}

	item, err := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	versions, err := env.st.ListVersions(ctx, item.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}

	// Current view shows the new content.
	path, _ := env.blobs.CurrentPath("a.txt")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
}

func TestReprocessingSamePageIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "hello"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	// A metadata-only change bumps the etag but not the content
	// revision. The short-circuit misses, the content is
	// re-downloaded, and the dedup guard must swallow it.
	env.initialListing(upsert(&provider.Item{
		ID: "f1", Name: "a.txt", ParentID: "root", ETag: "e1b", Revision: "e1",
	}))
	res := env.run(t, ModeForcedFull)
	if res.FilesCreated != 0 || res.FilesUpdated != 0 {
		t.Fatalf("expected no new versions, got %+v", res)
	}

	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	versions, err := env.st.ListVersions(ctx, item.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected single version, got %d", len(versions))
	}
}

func TestTombstoneQuarantinesFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "hello"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	env.prov.pages["c1"] = []provider.ChangePage{{
		Events:     []provider.ChangeEvent{{ItemID: "f1", Removed: true}},
		NextCursor: "c2",
		Exhausted:  true,
	}}
	res := env.run(t, ModeIncremental)
	if res.FilesDeleted != 1 || res.FilesQuarantined != 1 {
		t.Fatalf("expected 1 deleted and quarantined, got %+v", res)
	}

	item, err := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.State != models.ItemStateQuarantined || !item.TombstoneEvidence {
		t.Fatalf("unexpected item state: %#v", item)
	}

	versions, _ := env.st.ListVersions(ctx, item.ID)
	if len(versions) != 2 || versions[0].Reason != models.VersionReasonPreDelete {
		t.Fatalf("expected pre_delete snapshot on top, got %#v", versions)
	}

	// File moved from current/ to archive/.
	currentPath, _ := env.blobs.CurrentPath("a.txt")
	if _, err := os.Stat(currentPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file gone from current view: %v", err)
	}
	archivePath, _ := env.blobs.ArchivePath("a.txt")
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("expected file in archive view: %v", err)
	}
}

func TestMissSweepOnFullPasses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "keep"
	env.prov.content["f2"] = "lose"
	env.initialListing(
		upsert(fileItem("f1", "keep.txt", "root", "e1")),
		upsert(fileItem("f2", "lose.txt", "root", "e2")),
	)
	env.run(t, ModeInitial)

	// Two consecutive full listings without f2: first pass counts a
	// miss, second quarantines.
	env.initialListing(upsert(fileItem("f1", "keep.txt", "root", "e1")))
	env.run(t, ModeForcedFull)

	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f2")
	if item.State != models.ItemStateActive || item.MissCount != 1 {
		t.Fatalf("expected active with miss=1 after first pass, got %s miss=%d", item.State, item.MissCount)
	}

	env.initialListing(upsert(fileItem("f1", "keep.txt", "root", "e1")))
	res := env.run(t, ModeForcedFull)
	if res.FilesQuarantined != 1 {
		t.Fatalf("expected 1 quarantined, got %+v", res)
	}
	item, _ = env.st.GetItemByProviderID(ctx, env.root.ID, "f2")
	if item.State != models.ItemStateQuarantined {
		t.Fatalf("expected quarantined after second pass, got %s", item.State)
	}
	if item.TombstoneEvidence {
		t.Fatal("miss-inferred deletion must not claim tombstone evidence")
	}
}

func TestIncrementalNeverInfersMisses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "hello"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	// Empty change feed: nothing changed, nothing missed.
	env.run(t, ModeIncremental)

	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	if item.State != models.ItemStateActive || item.MissCount != 0 {
		t.Fatalf("expected untouched item, got %s miss=%d", item.State, item.MissCount)
	}
}

func TestCursorInvalidationEscalatesToFullRescan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "hello"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	env.prov.invalid["c1"] = true
	env.prov.startCursor = "c5"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))

	res := env.run(t, ModeIncremental)
	if !res.Full {
		t.Fatal("expected escalation to full listing")
	}

	root, _ := env.st.GetSyncRoot(ctx, env.root.ID)
	if root.Cursor != "c5" || root.FullRescanRequired {
		t.Fatalf("expected fresh cursor after rescan, got %#v", root)
	}
	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	if item.State != models.ItemStateActive || item.MissCount != 0 {
		t.Fatalf("rescanned item must stay clean, got %s miss=%d", item.State, item.MissCount)
	}
}

func TestItemDownloadFailureDoesNotAbortRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "good"
	env.prov.downloadErr = map[string]error{
		"f2": &provider.TransientError{Cause: errors.New("backend error: 503")},
	}
	env.initialListing(
		upsert(fileItem("f1", "good.txt", "root", "e1")),
		upsert(fileItem("f2", "bad.txt", "root", "e2")),
	)

	res := env.run(t, ModeInitial)
	if res.FilesCreated != 1 {
		t.Fatalf("expected healthy item backed up, got %+v", res)
	}
	if res.ItemsSkipped != 1 || len(res.SkippedItems) != 1 || res.SkippedItems[0].ItemID != "f2" {
		t.Fatalf("expected f2 reported as skipped, got %+v", res.SkippedItems)
	}

	path, err := env.blobs.CurrentPath("good.txt")
	if err != nil {
		t.Fatalf("current path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected healthy file materialized: %v", err)
	}

	runs, err := env.st.ListSyncRuns(ctx, env.root.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != models.SyncRunStatusPartial {
		t.Fatalf("expected partial run, got %#v", runs)
	}
}

func TestDownloadFailureIsNotDeletionEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "v1"
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e1")))
	env.run(t, ModeInitial)

	// The next full listing still carries f1, but its download now
	// fails. The listed sighting must keep the item clean.
	env.prov.downloadErr = map[string]error{
		"f1": &provider.TransientError{Cause: errors.New("backend error: 500")},
	}
	env.initialListing(upsert(fileItem("f1", "a.txt", "root", "e2")))
	res := env.run(t, ModeForcedFull)
	if res.ItemsSkipped != 1 {
		t.Fatalf("expected skip, got %+v", res)
	}

	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f1")
	if item.State != models.ItemStateActive || item.MissCount != 0 {
		t.Fatalf("expected item untouched, got %s miss=%d", item.State, item.MissCount)
	}
}

func TestCursorLossRescanSuppressesMissInference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.prov.content["f1"] = "keep"
	env.prov.content["f2"] = "late"
	env.initialListing(
		upsert(fileItem("f1", "keep.txt", "root", "e1")),
		upsert(fileItem("f2", "late.txt", "root", "e2")),
	)
	env.run(t, ModeInitial)

	// The rescan after cursor loss omits f2. Absence during a rescue
	// pass is not deletion evidence.
	env.prov.invalid["c1"] = true
	env.prov.startCursor = "c5"
	env.initialListing(upsert(fileItem("f1", "keep.txt", "root", "e1")))
	res := env.run(t, ModeIncremental)
	if res.FilesQuarantined != 0 {
		t.Fatalf("rescue rescan must not quarantine, got %+v", res)
	}

	item, _ := env.st.GetItemByProviderID(ctx, env.root.ID, "f2")
	if item.State != models.ItemStateActive || item.MissCount != 0 {
		t.Fatalf("expected f2 untouched, got %s miss=%d", item.State, item.MissCount)
	}
}

func TestAuthErrorAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.prov.authFail = true

	_, err := env.engine.Run(context.Background(), env.account, env.root, ModeInitial)
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if !provider.IsAuth(runErr.Cause) {
		t.Fatalf("expected auth cause, got %v", runErr.Cause)
	}

	runs, _ := env.st.ListSyncRuns(context.Background(), env.root.ID, 10)
	if len(runs) != 1 || runs[0].Status != models.SyncRunStatusFailed {
		t.Fatalf("expected failed run recorded, got %#v", runs)
	}
}

func TestConcurrentRunsRejected(t *testing.T) {
	env := newTestEnv(t)

	release, err := env.engine.registry.acquire(env.account.ID + "/" + env.root.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := env.engine.Run(context.Background(), env.account, env.root, ModeIncremental); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("incremental"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseMode("fast"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
