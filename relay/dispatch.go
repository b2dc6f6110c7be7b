package relay

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/storage"
)

// FileGate decides what happens to an incoming file request.
type FileGate interface {
	// HandleRequest returns true when the transfer was auto-accepted.
	HandleRequest(filename, folder, sender, receiver string) (bool, error)
}

// UpdateGate answers peer update probes.
type UpdateGate interface {
	// MatchRequest returns the published metadata when it matches the
	// requested version.
	MatchRequest(requester, version string) (models.UpdateMetadata, bool)
}

// Dispatcher routes decrypted envelopes to storage and the domain services.
type Dispatcher struct {
	store   *storage.Store
	files   FileGate
	updates UpdateGate
	logger  *slog.Logger
}

// NewDispatcher wires the envelope handler.
func NewDispatcher(store *storage.Store, files FileGate, updates UpdateGate, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, files: files, updates: updates, logger: logger}
}

// SessionOpened flips the connecting peer's profile online, if one exists.
func (d *Dispatcher) SessionOpened(address string) {
	if err := d.store.SetStatus(address, models.StatusOnline); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("failed to mark profile online", "address", address, "error", err)
	}
}

// SessionExpired flips the peer's profile offline after a missed heartbeat.
func (d *Dispatcher) SessionExpired(address string) {
	if err := d.store.SetStatus(address, models.StatusOffline); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("failed to mark profile offline", "address", address, "error", err)
	}
}

type chatPayload struct {
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type fileRequestPayload struct {
	Filename      string `json:"filename"`
	Folder        string `json:"folder,omitempty"`
	TargetAddress string `json:"targetAddress"`
}

type invitePayload struct {
	TargetAddress string `json:"targetAddress"`
	Code          string `json:"code"`
}

type updateRequestPayload struct {
	Version string `json:"version"`
}

// HandleEnvelope processes one envelope. Errors never take the session
// down: they are logged and the envelope is dropped.
func (d *Dispatcher) HandleEnvelope(from *Session, env Envelope) []Delivery {
	switch env.Type {
	case TypeChat:
		return d.handleChat(env)
	case TypePeerSignal:
		return d.forwardToTarget(env)
	case TypeProfile:
		return d.handleProfile(env)
	case TypeFileRequest:
		return d.handleFileRequest(env)
	case TypeFileAutoAccepted, TypeFileRejected, TypeInviteAccepted, TypeUpdateResponse:
		return d.forwardToTarget(env)
	case TypeInviteRequest:
		return d.handleInviteRequest(env)
	case TypeUpdateRequest:
		return d.handleUpdateRequest(env)
	default:
		d.logger.Warn("unhandled envelope type", "type", env.Type)
		return nil
	}
}

func (d *Dispatcher) handleChat(env Envelope) []Delivery {
	var payload chatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.logger.Warn("malformed chat payload", "sender", env.SenderAddress, "error", err)
		return nil
	}

	record, err := d.store.AppendChat(models.ChatRecord{
		Body:          payload.Body,
		SenderAddress: env.SenderAddress,
		Group:         env.Group,
		Timestamp:     payload.Timestamp,
	})
	if err != nil {
		d.logger.Warn("failed to persist chat message", "sender", env.SenderAddress, "error", err)
		return nil
	}
	d.logActivity("chat-message", "from "+env.SenderAddress)

	payload.Timestamp = record.Timestamp
	return []Delivery{{
		Group:       env.Group,
		SkipAddress: env.SenderAddress,
		Envelope: Envelope{
			Type:          TypeChat,
			SenderAddress: env.SenderAddress,
			Group:         env.Group,
			Payload:       mustPayload(payload),
		},
	}}
}

func (d *Dispatcher) handleProfile(env Envelope) []Delivery {
	var profile models.Profile
	if err := json.Unmarshal(env.Payload, &profile); err != nil {
		d.logger.Warn("malformed profile payload", "sender", env.SenderAddress, "error", err)
		return nil
	}

	profile.Address = env.SenderAddress
	if _, err := d.store.UpsertProfile(profile); err != nil {
		d.logger.Warn("failed to upsert profile", "sender", env.SenderAddress, "error", err)
		return nil
	}
	d.logActivity("profile-updated", env.SenderAddress)
	return nil
}

func (d *Dispatcher) handleFileRequest(env Envelope) []Delivery {
	var payload fileRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.logger.Warn("malformed file request", "sender", env.SenderAddress, "error", err)
		return nil
	}

	autoAccepted, err := d.files.HandleRequest(payload.Filename, payload.Folder, env.SenderAddress, payload.TargetAddress)
	if err != nil {
		d.logger.Warn("file request refused", "sender", env.SenderAddress, "target", payload.TargetAddress, "error", err)
		return nil
	}

	if autoAccepted {
		accepted := Envelope{
			Type:          TypeFileAutoAccepted,
			SenderAddress: env.SenderAddress,
			TargetAddress: payload.TargetAddress,
			Payload:       mustPayload(payload),
		}
		return []Delivery{
			{TargetAddress: payload.TargetAddress, Envelope: accepted},
			{TargetAddress: env.SenderAddress, Envelope: accepted},
		}
	}

	return []Delivery{{
		TargetAddress: payload.TargetAddress,
		Envelope: Envelope{
			Type:          TypeFileRequest,
			SenderAddress: env.SenderAddress,
			TargetAddress: payload.TargetAddress,
			Payload:       mustPayload(payload),
		},
	}}
}

func (d *Dispatcher) handleInviteRequest(env Envelope) []Delivery {
	var payload invitePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.logger.Warn("malformed invite request", "sender", env.SenderAddress, "error", err)
		return nil
	}

	target, err := d.store.GetProfile(payload.TargetAddress)
	if err != nil {
		d.logger.Warn("invite for unknown target", "target", payload.TargetAddress, "error", err)
		return nil
	}
	if target.InviteCode == "" || target.InviteCode != payload.Code {
		d.logger.Info("invite code mismatch", "sender", env.SenderAddress, "target", payload.TargetAddress)
		return nil
	}

	if err := d.store.SetStatus(env.SenderAddress, models.StatusOnline); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("failed to mark inviter online", "address", env.SenderAddress, "error", err)
	}
	d.logActivity("invite-accepted", env.SenderAddress+" joined via "+payload.TargetAddress)

	return []Delivery{{
		TargetAddress: env.SenderAddress,
		Envelope: Envelope{
			Type:          TypeInviteAccepted,
			SenderAddress: payload.TargetAddress,
			TargetAddress: env.SenderAddress,
			Payload:       mustPayload(invitePayload{TargetAddress: payload.TargetAddress}),
		},
	}}
}

func (d *Dispatcher) handleUpdateRequest(env Envelope) []Delivery {
	var payload updateRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.logger.Warn("malformed update request", "sender", env.SenderAddress, "error", err)
		return nil
	}

	meta, ok := d.updates.MatchRequest(env.SenderAddress, payload.Version)
	if !ok {
		return nil
	}

	return []Delivery{{
		TargetAddress: env.SenderAddress,
		Envelope: Envelope{
			Type:          TypeUpdateResponse,
			TargetAddress: env.SenderAddress,
			Payload:       mustPayload(meta),
		},
	}}
}

func (d *Dispatcher) forwardToTarget(env Envelope) []Delivery {
	if env.TargetAddress == "" {
		d.logger.Warn("dropping untargeted envelope", "type", env.Type, "sender", env.SenderAddress)
		return nil
	}
	// Payload is relayed verbatim; only the sender identity is rewritten.
	return []Delivery{{TargetAddress: env.TargetAddress, Envelope: env}}
}

func (d *Dispatcher) logActivity(action, details string) {
	if _, err := d.store.AppendActivity(models.ActivityEntry{Action: action, Details: details}); err != nil {
		d.logger.Warn("failed to append activity entry", "action", action, "error", err)
	}
}
