package transfer

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/storage"
)

// Options configures a Coordinator.
type Options struct {
	// ReceivedDir is where plain incoming files land.
	ReceivedDir string
	// SharedDir holds shared folders for folder-addressed uploads.
	SharedDir string
	// QuarantinedExtensions are wrapped into a zip before touching disk.
	QuarantinedExtensions []string

	Logger *slog.Logger
}

// Coordinator tracks transfer state machines and stores incoming files.
type Coordinator struct {
	store *storage.Store
	opts  Options

	mu        sync.Mutex
	transfers map[Key]State
}

// NewCoordinator creates a coordinator over the presence store.
func NewCoordinator(store *storage.Store, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		opts:      opts,
		transfers: make(map[Key]State),
	}
}

// State reports the tracked state for a transfer key.
func (c *Coordinator) State(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.transfers[key]
	return state, ok
}

// HandleRequest registers an incoming file request and decides its initial
// fate. It returns true when the transfer was auto-accepted.
func (c *Coordinator) HandleRequest(filename, folder, sender, receiver string) (bool, error) {
	if err := ValidateFilename(filename); err != nil {
		return false, err
	}
	if folder != "" {
		if err := ValidateFolderName(folder); err != nil {
			return false, err
		}
	}

	profile, err := c.store.GetProfile(receiver)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrOffline
		}
		return false, err
	}
	if profile.Status == models.StatusOffline {
		return false, ErrOffline
	}

	key := Key{Filename: filename, Sender: sender, Receiver: receiver}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[key] = StateRequested

	if profile.AutoAccept && profile.AllowlistContains(sender) {
		c.transfers[key] = StateAutoAccepted
		c.opts.Logger.Info("file request auto-accepted", "file", filename, "sender", sender, "receiver", receiver)
		return true, nil
	}

	c.transfers[key] = StateAwaitingDecision
	c.opts.Logger.Info("file request awaiting decision", "file", filename, "sender", sender, "receiver", receiver)
	return false, nil
}

// Accept moves a pending transfer to accepted.
func (c *Coordinator) Accept(key Key) error {
	return c.transition(key, StateAccepted)
}

// Reject moves a pending transfer to rejected.
func (c *Coordinator) Reject(key Key) error {
	return c.transition(key, StateRejected)
}

// Cancel abandons a transfer from any pre-complete state.
func (c *Coordinator) Cancel(key Key) error {
	return c.transition(key, StateCancelled)
}

func (c *Coordinator) transition(key Key, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, ok := c.transfers[key]
	if !ok {
		return ErrUnknownTransfer
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, from, to, key)
	}
	c.transfers[key] = to
	return nil
}

// StoreUpload streams an incoming file body to disk. Risky extensions are
// wrapped in a single-entry zip, so the bare name never lands on disk. The
// returned path is the stored location; the byte count covers the body as
// received.
func (c *Coordinator) StoreUpload(filename, folder, sender, receiver string, body io.Reader) (string, int64, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", 0, err
	}

	destDir := c.opts.ReceivedDir
	if folder != "" {
		if err := ValidateFolderName(folder); err != nil {
			return "", 0, err
		}
		destDir = filepath.Join(c.opts.SharedDir, folder)
	}

	profile, err := c.store.GetProfile(receiver)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", 0, ErrOffline
		}
		return "", 0, err
	}
	if profile.Status == models.StatusOffline {
		return "", 0, ErrOffline
	}

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", 0, fmt.Errorf("create destination directory: %w", err)
	}

	key := Key{Filename: filename, Sender: sender, Receiver: receiver}
	c.mu.Lock()
	if state, tracked := c.transfers[key]; tracked {
		if !transitionAllowed(state, StateTransferring) {
			c.mu.Unlock()
			return "", 0, fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, state, StateTransferring, key)
		}
	} else {
		// Direct upload without a preceding request.
		c.transfers[key] = StateAccepted
	}
	c.transfers[key] = StateTransferring
	c.mu.Unlock()

	storedPath, written, err := c.writeBody(destDir, filename, body)
	if err != nil {
		_ = c.transition(key, StateCancelled)
		return "", written, err
	}
	if err := c.transition(key, StateComplete); err != nil {
		return storedPath, written, err
	}

	if _, err := c.store.AppendActivity(models.ActivityEntry{
		Action:  "file-received",
		Details: fmt.Sprintf("%s from %s (%d bytes)", filepath.Base(storedPath), sender, written),
	}); err != nil {
		c.opts.Logger.Warn("failed to log file receipt", "file", filename, "error", err)
	}

	return storedPath, written, nil
}

func (c *Coordinator) writeBody(destDir, filename string, body io.Reader) (string, int64, error) {
	storedName := filename
	quarantined := c.isQuarantined(filename)
	if quarantined {
		storedName = filename + ".zip"
	}

	finalPath := filepath.Join(destDir, storedName)
	tempPath := finalPath + ".part"

	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	var written int64
	if quarantined {
		written, err = writeQuarantineZip(out, filename, body)
	} else {
		written, err = io.Copy(out, body)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return "", written, fmt.Errorf("store upload: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", written, fmt.Errorf("finalize upload: %w", err)
	}

	return finalPath, written, nil
}

func writeQuarantineZip(out io.Writer, entryName string, body io.Reader) (int64, error) {
	archive := zip.NewWriter(out)
	entry, err := archive.Create(entryName)
	if err != nil {
		return 0, fmt.Errorf("create zip entry: %w", err)
	}
	written, err := io.Copy(entry, body)
	if err != nil {
		return written, err
	}
	return written, archive.Close()
}

func (c *Coordinator) isQuarantined(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, risky := range c.opts.QuarantinedExtensions {
		if ext == strings.ToLower(risky) {
			return true
		}
	}
	return false
}

// SharedFilePath resolves a file inside a shared folder, validating both
// names before any filesystem access. The returned size is the current
// on-disk length.
func (c *Coordinator) SharedFilePath(folder, filename string) (string, int64, error) {
	if err := ValidateFolderName(folder); err != nil {
		return "", 0, err
	}
	if err := ValidateFilename(filename); err != nil {
		return "", 0, err
	}

	path := filepath.Join(c.opts.SharedDir, folder, filename)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, storage.ErrNotFound
		}
		return "", 0, fmt.Errorf("stat shared file: %w", err)
	}
	if info.IsDir() {
		return "", 0, storage.ErrNotFound
	}
	return path, info.Size(), nil
}

// ShareFolder creates a named folder under the shared tree.
func (c *Coordinator) ShareFolder(name string) (string, error) {
	if err := ValidateFolderName(name); err != nil {
		return "", err
	}

	path := filepath.Join(c.opts.SharedDir, name)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("create shared folder: %w", err)
	}

	if _, err := c.store.AppendActivity(models.ActivityEntry{
		Action:  "folder-shared",
		Details: name,
	}); err != nil {
		c.opts.Logger.Warn("failed to log shared folder", "folder", name, "error", err)
	}

	return path, nil
}
