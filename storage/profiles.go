package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/DoubleLatte/ntp/models"
)

// UpsertProfile inserts or fully overwrites the profile stored for an
// address. The identity ID survives overwrites: it is minted once on first
// insert and reused on every later upsert for the same address.
func (s *Store) UpsertProfile(profile models.Profile) (models.Profile, error) {
	if profile.Address == "" {
		return models.Profile{}, errors.New("profile address is required")
	}
	if profile.Status == "" {
		profile.Status = models.StatusOffline
	}
	if err := validateStatus(profile.Status); err != nil {
		return models.Profile{}, err
	}
	if profile.Avatar == "" {
		profile.Avatar = defaultAvatarURL(profile.Nickname, profile.Address)
	}
	if profile.AutoAcceptAllowlist == nil {
		profile.AutoAcceptAllowlist = []string{}
	}

	allowlist, err := json.Marshal(profile.AutoAcceptAllowlist)
	if err != nil {
		return models.Profile{}, fmt.Errorf("encode allowlist: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Profile{}, fmt.Errorf("begin profile upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existingID string
	err = tx.QueryRow("SELECT identity_id FROM profiles WHERE address = ?;", profile.Address).Scan(&existingID)
	switch {
	case err == nil:
		profile.IdentityID = existingID
	case errors.Is(err, sql.ErrNoRows):
		profile.IdentityID = uuid.NewString()
	default:
		return models.Profile{}, fmt.Errorf("look up profile identity: %w", err)
	}

	_, err = tx.Exec(`
INSERT INTO profiles (address, identity_id, nickname, avatar, status, auto_accept, allowlist, version, invite_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
  nickname    = excluded.nickname,
  avatar      = excluded.avatar,
  status      = excluded.status,
  auto_accept = excluded.auto_accept,
  allowlist   = excluded.allowlist,
  version     = excluded.version,
  invite_code = excluded.invite_code;
`,
		profile.Address,
		profile.IdentityID,
		profile.Nickname,
		profile.Avatar,
		profile.Status,
		boolToInt(profile.AutoAccept),
		string(allowlist),
		profile.Version,
		profile.InviteCode,
	)
	if err != nil {
		return models.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Profile{}, fmt.Errorf("commit profile upsert: %w", err)
	}

	return profile, nil
}

// GetProfile returns the profile stored for an address.
func (s *Store) GetProfile(address string) (models.Profile, error) {
	row := s.db.QueryRow(`
SELECT address, identity_id, nickname, avatar, status, auto_accept, allowlist, version, invite_code
FROM profiles WHERE address = ?;
`, address)
	return scanProfile(row)
}

// ListProfiles returns every stored profile ordered by address.
func (s *Store) ListProfiles() ([]models.Profile, error) {
	rows, err := s.db.Query(`
SELECT address, identity_id, nickname, avatar, status, auto_accept, allowlist, version, invite_code
FROM profiles ORDER BY address;
`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// SetStatus updates the presence status of an existing profile.
func (s *Store) SetStatus(address, status string) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	return s.updateProfileColumn(address, "UPDATE profiles SET status = ? WHERE address = ?;", status)
}

// SetAutoAccept updates the auto-accept flag and allowlist of an existing profile.
func (s *Store) SetAutoAccept(address string, enabled bool, allowlist []string) error {
	if allowlist == nil {
		allowlist = []string{}
	}
	encoded, err := json.Marshal(allowlist)
	if err != nil {
		return fmt.Errorf("encode allowlist: %w", err)
	}

	result, err := s.db.Exec(
		"UPDATE profiles SET auto_accept = ?, allowlist = ? WHERE address = ?;",
		boolToInt(enabled), string(encoded), address,
	)
	if err != nil {
		return fmt.Errorf("update auto-accept: %w", err)
	}
	return requireRowChanged(result)
}

// SetVersion updates the installed version advertised by an existing profile.
func (s *Store) SetVersion(address, version string) error {
	return s.updateProfileColumn(address, "UPDATE profiles SET version = ? WHERE address = ?;", version)
}

// SetInviteCode updates the invite code of an existing profile.
func (s *Store) SetInviteCode(address, inviteCode string) error {
	return s.updateProfileColumn(address, "UPDATE profiles SET invite_code = ? WHERE address = ?;", inviteCode)
}

func (s *Store) updateProfileColumn(address, query string, value any) error {
	result, err := s.db.Exec(query, value, address)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return requireRowChanged(result)
}

func requireRowChanged(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (models.Profile, error) {
	var (
		profile    models.Profile
		autoAccept int
		allowlist  string
	)
	err := row.Scan(
		&profile.Address,
		&profile.IdentityID,
		&profile.Nickname,
		&profile.Avatar,
		&profile.Status,
		&autoAccept,
		&allowlist,
		&profile.Version,
		&profile.InviteCode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("scan profile: %w", err)
	}

	profile.AutoAccept = autoAccept != 0
	if err := json.Unmarshal([]byte(allowlist), &profile.AutoAcceptAllowlist); err != nil {
		return models.Profile{}, fmt.Errorf("decode allowlist: %w", err)
	}
	if profile.AutoAcceptAllowlist == nil {
		profile.AutoAcceptAllowlist = []string{}
	}

	return profile, nil
}

func defaultAvatarURL(nickname, address string) string {
	seed := nickname
	if seed == "" {
		seed = address
	}
	return "https://api.dicebear.com/7.x/initials/svg?seed=" + url.QueryEscape(seed)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
