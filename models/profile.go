package models

const (
	StatusOnline       = "online"
	StatusOffline      = "offline"
	StatusIdle         = "idle"
	StatusDoNotDisturb = "dnd"
)

// Profile represents the persisted per-address peer profile.
type Profile struct {
	IdentityID          string   `json:"identity_id"`
	Address             string   `json:"address"`
	Nickname            string   `json:"nickname"`
	Avatar              string   `json:"avatar"`
	Status              string   `json:"status"`
	AutoAccept          bool     `json:"auto_accept"`
	AutoAcceptAllowlist []string `json:"auto_accept_allowlist"`
	Version             string   `json:"version"`
	InviteCode          string   `json:"invite_code,omitempty"`
}

// AllowlistContains reports whether an address may bypass manual file confirmation.
func (p *Profile) AllowlistContains(address string) bool {
	for _, allowed := range p.AutoAcceptAllowlist {
		if allowed == address {
			return true
		}
	}
	return false
}
