package update

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/DoubleLatte/ntp/crypto"
	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/storage"
)

// ErrVerificationFailed means an artifact did not match its published
// signature. Verification failures are hard rejects.
var ErrVerificationFailed = errors.New("update: artifact signature verification failed")

// Options configures a Distributor.
type Options struct {
	// UpdatesDir holds published artifacts.
	UpdatesDir string
	// BackupsDir receives backup-<version>.zip files before any apply.
	BackupsDir string
	// AppDir is the tree Install extracts over.
	AppDir string

	// TrustedPublisherKey verifies primary-kind artifacts.
	TrustedPublisherKey ed25519.PublicKey

	// LocalAddress is this node's profile address, updated on install.
	LocalAddress string

	// Exit terminates the process after a successful install so a
	// supervisor restarts onto the new artifact.
	Exit func(code int)

	Logger *slog.Logger
}

// Distributor publishes, serves, installs, and rolls back updates.
type Distributor struct {
	store *storage.Store
	opts  Options
}

// DownloadResult carries a verified (or explicitly unverified) artifact.
type DownloadResult struct {
	Metadata models.UpdateMetadata
	Data     []byte
	// Unverified marks custom-kind artifacts, which are served without a
	// signature check.
	Unverified bool
}

// NewDistributor wires the update distributor.
func NewDistributor(store *storage.Store, opts Options) *Distributor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Exit == nil {
		opts.Exit = func(int) { os.Exit(0) }
	}
	return &Distributor{store: store, opts: opts}
}

// Publish records new update metadata. The version must be valid semver.
func (d *Distributor) Publish(version, kind, artifactName, signature string) error {
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid update version %q: %w", version, err)
	}

	if err := d.store.SaveUpdateMetadata(models.UpdateMetadata{
		Version:      version,
		Kind:         kind,
		ArtifactName: artifactName,
		Signature:    signature,
	}); err != nil {
		return err
	}

	d.logActivity("update-published", fmt.Sprintf("%s %s (%s)", version, artifactName, kind))
	return nil
}

// Check returns the published metadata, or storage.ErrNotFound when no
// update has been published.
func (d *Distributor) Check() (models.UpdateMetadata, error) {
	return d.store.GetUpdateMetadata()
}

// Download serves an artifact's bytes. Primary-kind artifacts are verified
// against the trusted publisher key before anything else happens; a backup
// of the artifact is written before the bytes are returned.
func (d *Distributor) Download(artifactName string) (*DownloadResult, error) {
	meta, err := d.Check()
	if err != nil {
		return nil, err
	}
	if artifactName != meta.ArtifactName {
		return nil, storage.ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(d.opts.UpdatesDir, artifactName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	unverified := false
	switch meta.Kind {
	case models.UpdateKindPrimary:
		if !crypto.VerifyArtifactHex(d.opts.TrustedPublisherKey, data, meta.Signature) {
			d.logActivity("update-verification-failed", fmt.Sprintf("%s %s", meta.Version, artifactName))
			return nil, ErrVerificationFailed
		}
	case models.UpdateKindCustom:
		unverified = true
	}

	if err := d.writeBackup(meta.Version, data); err != nil {
		return nil, err
	}

	if unverified {
		d.logActivity("update-downloaded-unverified", fmt.Sprintf("%s %s", meta.Version, artifactName))
	} else {
		d.logActivity("update-downloaded", fmt.Sprintf("%s %s", meta.Version, artifactName))
	}

	return &DownloadResult{Metadata: meta, Data: data, Unverified: unverified}, nil
}

func (d *Distributor) writeBackup(version string, data []byte) error {
	if err := os.MkdirAll(d.opts.BackupsDir, 0o700); err != nil {
		return fmt.Errorf("create backups directory: %w", err)
	}
	path := filepath.Join(d.opts.BackupsDir, backupName(version))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// Install extracts an artifact over the app tree, persists the new version
// on the local profile, and terminates through the exit hook.
func (d *Distributor) Install(artifactName, version string) error {
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid install version %q: %w", version, err)
	}

	artifactPath := filepath.Join(d.opts.UpdatesDir, artifactName)
	if _, err := os.Stat(artifactPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("stat artifact: %w", err)
	}

	if err := extractZip(artifactPath, d.opts.AppDir); err != nil {
		return fmt.Errorf("extract update: %w", err)
	}

	if d.opts.LocalAddress != "" {
		if err := d.store.SetVersion(d.opts.LocalAddress, version); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("persist installed version: %w", err)
		}
	}

	d.logActivity("update-installed", version)
	d.opts.Logger.Info("update installed, restarting", "version", version)
	d.opts.Exit(0)
	return nil
}

// Rollback returns the verbatim backup bytes for a version. It never
// touches the published metadata.
func (d *Distributor) Rollback(version string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.opts.BackupsDir, backupName(version)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read backup: %w", err)
	}

	d.logActivity("update-rollback", version)
	return data, nil
}

// MatchRequest answers a peer's update probe: the published metadata is
// returned only when its version matches the requested one.
func (d *Distributor) MatchRequest(requester, version string) (models.UpdateMetadata, bool) {
	meta, err := d.Check()
	if err != nil {
		return models.UpdateMetadata{}, false
	}
	if meta.Version != version {
		return models.UpdateMetadata{}, false
	}
	d.opts.Logger.Info("serving update metadata to peer", "requester", requester, "version", version)
	return meta, true
}

func (d *Distributor) logActivity(action, details string) {
	if _, err := d.store.AppendActivity(models.ActivityEntry{Action: action, Details: details}); err != nil {
		d.opts.Logger.Warn("failed to append activity entry", "action", action, "error", err)
	}
}

func backupName(version string) string {
	return "backup-" + version + ".zip"
}
