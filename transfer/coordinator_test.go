package transfer

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Store) {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	coordinator := NewCoordinator(store, Options{
		ReceivedDir:           filepath.Join(dir, "received"),
		SharedDir:             filepath.Join(dir, "shared"),
		QuarantinedExtensions: []string{".exe", ".bat", ".sh", ".cmd", ".ps1"},
	})
	return coordinator, store
}

func seedReceiver(t *testing.T, store *storage.Store, address string, autoAccept bool, allowlist ...string) {
	t.Helper()
	_, err := store.UpsertProfile(models.Profile{
		Address:             address,
		Status:              models.StatusOnline,
		AutoAccept:          autoAccept,
		AutoAcceptAllowlist: allowlist,
	})
	if err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
}

func TestHandleRequestRejectsBadFilenameBeforeAnythingElse(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	_, err := coordinator.HandleRequest("bad<name>.txt", "", "10.0.0.2", "10.0.0.3")
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("got %v want ErrInvalidName", err)
	}
	if _, tracked := coordinator.State(Key{Filename: "bad<name>.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}); tracked {
		t.Fatalf("invalid request must not create transfer state")
	}
	if entries, _ := os.ReadDir(coordinator.opts.ReceivedDir); len(entries) != 0 {
		t.Fatalf("invalid request must not touch the filesystem")
	}
}

func TestHandleRequestOfflineReceiver(t *testing.T) {
	coordinator, store := newTestCoordinator(t)

	if _, err := coordinator.HandleRequest("a.txt", "", "10.0.0.2", "10.0.0.3"); !errors.Is(err, ErrOffline) {
		t.Fatalf("unknown receiver: got %v want ErrOffline", err)
	}

	seedReceiver(t, store, "10.0.0.3", false)
	if err := store.SetStatus("10.0.0.3", models.StatusOffline); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if _, err := coordinator.HandleRequest("a.txt", "", "10.0.0.2", "10.0.0.3"); !errors.Is(err, ErrOffline) {
		t.Fatalf("offline receiver: got %v want ErrOffline", err)
	}
}

func TestHandleRequestAutoAcceptRequiresAllowlist(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", true, "10.0.0.2")

	autoAccepted, err := coordinator.HandleRequest("a.txt", "", "10.0.0.2", "10.0.0.3")
	if err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if !autoAccepted {
		t.Fatalf("allowlisted sender should be auto-accepted")
	}
	if state, _ := coordinator.State(Key{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}); state != StateAutoAccepted {
		t.Fatalf("got state %q want auto-accepted", state)
	}

	// Auto-accept enabled but sender not allowlisted: pending decision.
	autoAccepted, err = coordinator.HandleRequest("b.txt", "", "10.0.0.9", "10.0.0.3")
	if err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if autoAccepted {
		t.Fatalf("non-allowlisted sender must await a decision")
	}
	if state, _ := coordinator.State(Key{Filename: "b.txt", Sender: "10.0.0.9", Receiver: "10.0.0.3"}); state != StateAwaitingDecision {
		t.Fatalf("got state %q want awaiting-decision", state)
	}
}

func TestDecisionTransitions(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	key := Key{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}
	if _, err := coordinator.HandleRequest("a.txt", "", "10.0.0.2", "10.0.0.3"); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}

	if err := coordinator.Accept(key); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := coordinator.Accept(key); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("double accept: got %v want ErrBadTransition", err)
	}
	if err := coordinator.Reject(key); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("reject after accept: got %v want ErrBadTransition", err)
	}

	if err := coordinator.Accept(Key{Filename: "ghost.txt", Sender: "x", Receiver: "y"}); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("got %v want ErrUnknownTransfer", err)
	}

	if err := coordinator.Cancel(key); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if state, _ := coordinator.State(key); state != StateCancelled {
		t.Fatalf("got state %q want cancelled", state)
	}
}

func TestRejectNotifiesFromAwaitingOnly(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	key := Key{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}
	if _, err := coordinator.HandleRequest("a.txt", "", "10.0.0.2", "10.0.0.3"); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if err := coordinator.Reject(key); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := coordinator.Cancel(key); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("rejected is terminal: got %v", err)
	}
}

func TestStoreUploadPlainFile(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	body := strings.Repeat("data", 1000)
	path, n, err := coordinator.StoreUpload("notes.txt", "", "10.0.0.2", "10.0.0.3", strings.NewReader(body))
	if err != nil {
		t.Fatalf("StoreUpload failed: %v", err)
	}
	if n != int64(len(body)) {
		t.Fatalf("got %d bytes want %d", n, len(body))
	}

	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(stored) != body {
		t.Fatalf("stored content mismatch")
	}

	key := Key{Filename: "notes.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}
	if state, _ := coordinator.State(key); state != StateComplete {
		t.Fatalf("got state %q want complete", state)
	}

	entries, err := store.ListActivity(0)
	if err != nil {
		t.Fatalf("ListActivity failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "file-received" {
		t.Fatalf("expected a file-received activity entry, got %+v", entries)
	}
}

func TestStoreUploadQuarantinesRiskyExtension(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	payload := []byte("MZ fake binary")
	path, _, err := coordinator.StoreUpload("tool.exe", "", "10.0.0.2", "10.0.0.3", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StoreUpload failed: %v", err)
	}
	if filepath.Base(path) != "tool.exe.zip" {
		t.Fatalf("got stored name %q want tool.exe.zip", filepath.Base(path))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "tool.exe")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("bare risky filename must never land on disk")
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open quarantine zip: %v", err)
	}
	defer reader.Close()
	if len(reader.File) != 1 || reader.File[0].Name != "tool.exe" {
		t.Fatalf("unexpected zip contents: %+v", reader.File)
	}
	entry, err := reader.File[0].Open()
	if err != nil {
		t.Fatalf("open zip entry: %v", err)
	}
	defer entry.Close()
	content, err := io.ReadAll(entry)
	if err != nil {
		t.Fatalf("read zip entry: %v", err)
	}
	if !bytes.Equal(content, payload) {
		t.Fatalf("zip entry content mismatch")
	}
}

func TestStoreUploadIntoSharedFolder(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	path, _, err := coordinator.StoreUpload("doc.pdf", "team", "10.0.0.2", "10.0.0.3", strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("StoreUpload failed: %v", err)
	}
	want := filepath.Join(coordinator.opts.SharedDir, "team", "doc.pdf")
	if path != want {
		t.Fatalf("got path %q want %q", path, want)
	}
}

type failingReader struct {
	data []byte
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("stream interrupted")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestStoreUploadRemovesPartialFileOnError(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	seedReceiver(t, store, "10.0.0.3", false)

	_, _, err := coordinator.StoreUpload("big.bin", "", "10.0.0.2", "10.0.0.3", &failingReader{data: []byte("partial")})
	if err == nil {
		t.Fatalf("expected interrupted stream to fail")
	}

	entries, readErr := os.ReadDir(coordinator.opts.ReceivedDir)
	if readErr != nil {
		t.Fatalf("read received dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial file to be removed, found %v", entries)
	}

	key := Key{Filename: "big.bin", Sender: "10.0.0.2", Receiver: "10.0.0.3"}
	if state, _ := coordinator.State(key); state != StateCancelled {
		t.Fatalf("got state %q want cancelled", state)
	}
}

func TestShareFolder(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	path, err := coordinator.ShareFolder("designs")
	if err != nil {
		t.Fatalf("ShareFolder failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected shared folder to exist: %v", err)
	}

	if _, err := coordinator.ShareFolder("../escape"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("got %v want ErrInvalidName", err)
	}
	if _, err := coordinator.ShareFolder("bad|pipe"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("got %v want ErrInvalidName", err)
	}
}

func TestSharedFilePath(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	folder, err := coordinator.ShareFolder("docs")
	if err != nil {
		t.Fatalf("ShareFolder failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(folder, "guide.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatalf("write shared file: %v", err)
	}

	path, size, err := coordinator.SharedFilePath("docs", "guide.txt")
	if err != nil {
		t.Fatalf("SharedFilePath failed: %v", err)
	}
	if size != 5 || filepath.Base(path) != "guide.txt" {
		t.Fatalf("got path %q size %d", path, size)
	}

	if _, _, err := coordinator.SharedFilePath("docs", "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	if _, _, err := coordinator.SharedFilePath("../docs", "guide.txt"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("got %v want ErrInvalidName", err)
	}
	if _, _, err := coordinator.SharedFilePath("docs", "bad|name.txt"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("got %v want ErrInvalidName", err)
	}
}
