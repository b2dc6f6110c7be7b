package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/DoubleLatte/ntp/models"
)

// SaveUpdateMetadata replaces the single published-update row.
func (s *Store) SaveUpdateMetadata(meta models.UpdateMetadata) error {
	if meta.Version == "" {
		return errors.New("update version is required")
	}
	if meta.ArtifactName == "" {
		return errors.New("update artifact name is required")
	}
	if err := validateUpdateKind(meta.Kind); err != nil {
		return err
	}

	_, err := s.db.Exec(`
INSERT INTO update_metadata (id, version, kind, artifact_name, signature)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  version       = excluded.version,
  kind          = excluded.kind,
  artifact_name = excluded.artifact_name,
  signature     = excluded.signature;
`, meta.Version, meta.Kind, meta.ArtifactName, meta.Signature)
	if err != nil {
		return fmt.Errorf("save update metadata: %w", err)
	}

	return nil
}

// GetUpdateMetadata returns the published update, or ErrNotFound when no
// update has been published yet.
func (s *Store) GetUpdateMetadata() (models.UpdateMetadata, error) {
	var meta models.UpdateMetadata
	err := s.db.QueryRow(
		"SELECT version, kind, artifact_name, signature FROM update_metadata WHERE id = 1;",
	).Scan(&meta.Version, &meta.Kind, &meta.ArtifactName, &meta.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UpdateMetadata{}, ErrNotFound
	}
	if err != nil {
		return models.UpdateMetadata{}, fmt.Errorf("read update metadata: %w", err)
	}

	return meta, nil
}
