package update

import (
	"archive/zip"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/DoubleLatte/ntp/crypto"
	"github.com/DoubleLatte/ntp/models"
)

// MetadataFileName is the sidecar written next to a packaged artifact.
const MetadataFileName = "update-metadata.json"

// PackageResult describes a packaged update.
type PackageResult struct {
	ArtifactPath string
	MetadataPath string
	Metadata     models.UpdateMetadata
}

// Package zips a source tree into ntp-update-<version>.zip, signs the
// archive bytes, and writes the metadata sidecar. It is the offline half of
// the publish flow.
func Package(sourceDir, outDir, version, kind string, privateKey ed25519.PrivateKey) (*PackageResult, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("invalid package version %q: %w", version, err)
	}
	switch kind {
	case models.UpdateKindPrimary, models.UpdateKindCustom:
	default:
		return nil, fmt.Errorf("invalid update kind %q", kind)
	}

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	artifactName := fmt.Sprintf("ntp-update-%s.zip", version)
	artifactPath := filepath.Join(outDir, artifactName)
	if err := zipTree(sourceDir, artifactPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read packaged artifact: %w", err)
	}

	signature := ""
	if kind == models.UpdateKindPrimary {
		signature, err = crypto.SignArtifactHex(privateKey, data)
		if err != nil {
			return nil, fmt.Errorf("sign artifact: %w", err)
		}
	}

	meta := models.UpdateMetadata{
		Version:      version,
		Kind:         kind,
		ArtifactName: artifactName,
		Signature:    signature,
	}

	metadataPath := filepath.Join(outDir, MetadataFileName)
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return &PackageResult{
		ArtifactPath: artifactPath,
		MetadataPath: metadataPath,
		Metadata:     meta,
	}, nil
}

func zipTree(sourceDir, artifactPath string) error {
	out, err := os.Create(artifactPath)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	archive := zip.NewWriter(out)
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			_, err := archive.Create(rel + "/")
			return err
		}

		entry, err := archive.Create(rel)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(entry, file)
		_ = file.Close()
		return copyErr
	})

	if walkErr != nil {
		_ = archive.Close()
		_ = out.Close()
		_ = os.Remove(artifactPath)
		return fmt.Errorf("zip source tree: %w", walkErr)
	}
	if err := archive.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(artifactPath)
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(artifactPath)
		return fmt.Errorf("flush artifact: %w", err)
	}
	return nil
}
