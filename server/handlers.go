package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/relay"
	"github.com/DoubleLatte/ntp/storage"
	"github.com/DoubleLatte/ntp/transfer"
)

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.Profile
	if err := decodeJSONBody(r, &profile); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid profile body")
		return
	}

	stored, err := s.store.UpsertProfile(profile)
	if err != nil {
		// Upsert failures are input problems: missing address, bad status.
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"identityId": stored.IdentityID})
}

type statusRequest struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid status body")
		return
	}

	if err := s.store.SetStatus(req.Address, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "profile not found")
		} else {
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type autoAcceptRequest struct {
	Address   string   `json:"address"`
	Enabled   bool     `json:"enabled"`
	Allowlist []string `json:"allowlist"`
}

func (s *Server) handleAutoAccept(w http.ResponseWriter, r *http.Request) {
	var req autoAcceptRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid auto-accept body")
		return
	}

	if err := s.store.SetAutoAccept(req.Address, req.Enabled, req.Allowlist); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type inviteCodeRequest struct {
	Address string `json:"address"`
	Code    string `json:"code"`
}

func (s *Server) handleInviteCode(w http.ResponseWriter, r *http.Request) {
	var req inviteCodeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid invite-code body")
		return
	}

	if err := s.store.SetInviteCode(req.Address, req.Code); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deviceView struct {
	models.Device
	Nickname    string `json:"nickname,omitempty"`
	AutoAccept  bool   `json:"auto_accept"`
	ProfileSeen bool   `json:"registered"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Snapshot()

	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		view := deviceView{Device: device}
		if profile, err := s.store.GetProfile(device.Address); err == nil {
			view.Nickname = profile.Nickname
			view.AutoAccept = profile.AutoAccept
			view.ProfileSeen = true
			// Presence in the store is authoritative over the mDNS guess.
			view.Status = profile.Status
			if profile.Version != "" {
				view.AdvertisedVersion = profile.Version
			}
		}
		views = append(views, view)
	}

	// Profiles without an mDNS sighting still show up, keyed by address.
	if profiles, err := s.store.ListProfiles(); err == nil {
		for _, profile := range profiles {
			if _, discovered := s.registry.LookupByAddress(profile.Address); discovered {
				continue
			}
			name := profile.Nickname
			if name == "" {
				name = profile.Address
			}
			views = append(views, deviceView{
				Device: models.Device{
					Name:              name,
					Address:           profile.Address,
					Status:            profile.Status,
					AdvertisedVersion: profile.Version,
				},
				Nickname:    profile.Nickname,
				AutoAccept:  profile.AutoAccept,
				ProfileSeen: true,
			})
		}
	}

	writeJSON(w, http.StatusOK, views)
}

type uploadRequest struct {
	Filename string `json:"filename"`
	Folder   string `json:"folder,omitempty"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleUploadRequest(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid upload-request body")
		return
	}

	autoAccepted, err := s.transfers.HandleRequest(req.Filename, req.Folder, req.Sender, req.Receiver)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if autoAccepted {
		// Both ends learn the verdict, same as the relay path.
		accepted := relay.Envelope{
			Type:          relay.TypeFileAutoAccepted,
			SenderAddress: req.Sender,
			TargetAddress: req.Receiver,
			Payload:       marshalPayload(req),
		}
		s.hub.Send(relay.Delivery{TargetAddress: req.Receiver, Envelope: accepted})
		s.hub.Send(relay.Delivery{TargetAddress: req.Sender, Envelope: accepted})
	} else {
		// The receiver decides; let their session know.
		s.hub.Send(relay.Delivery{
			TargetAddress: req.Receiver,
			Envelope: relay.Envelope{
				Type:          relay.TypeFileRequest,
				SenderAddress: req.Sender,
				TargetAddress: req.Receiver,
				Payload:       marshalPayload(req),
			},
		})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"autoAccepted": autoAccepted})
}

type decisionRequest struct {
	Filename string `json:"filename"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleAcceptFile(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid accept-file body")
		return
	}

	key := transfer.Key{Filename: req.Filename, Sender: req.Sender, Receiver: req.Receiver}
	if err := s.transfers.Accept(key); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRejectFile(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid reject-file body")
		return
	}

	key := transfer.Key{Filename: req.Filename, Sender: req.Sender, Receiver: req.Receiver}
	if err := s.transfers.Reject(key); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.hub.Send(relay.Delivery{
		TargetAddress: req.Sender,
		Envelope: relay.Envelope{
			Type:          relay.TypeFileRejected,
			SenderAddress: req.Receiver,
			TargetAddress: req.Sender,
			Payload:       marshalPayload(req),
		},
	})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filename := query.Get("filename")
	folder := query.Get("folder")
	receiver := query.Get("address")
	sender := query.Get("sender")

	path, written, err := s.transfers.StoreUpload(filename, folder, sender, receiver, r.Body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stored": path,
		"bytes":  written,
	})
}

func (s *Server) handleFetchShared(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	folder := query.Get("folder")
	filename := query.Get("filename")

	path, size, err := s.transfers.SharedFilePath(folder, filename)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	// Client disconnect cancels the stream mid-chunk.
	if err := transfer.PushFile(r.Context(), w, path, s.opts.ChunkSize, nil); err != nil {
		s.opts.Logger.Warn("shared file stream aborted", "file", filename, "error", err)
	}
}

func (s *Server) handleShareFolder(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")

	path, err := s.transfers.ShareFolder(folder)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

type publishRequest struct {
	Version      string `json:"version"`
	Kind         string `json:"kind"`
	ArtifactName string `json:"artifactName"`
	Signature    string `json:"signature"`
}

func (s *Server) handlePublishUpdate(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid publish body")
		return
	}

	if err := s.updates.Publish(req.Version, req.Kind, req.ArtifactName, req.Signature); err != nil {
		// Publish failures are input problems: bad semver, unknown kind.
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	meta, err := s.updates.Check()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDownloadUpdate(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("address")
	if requester != "" {
		profile, err := s.store.GetProfile(requester)
		if err != nil || profile.Status == models.StatusOffline {
			writeJSONError(w, http.StatusForbidden, "requester is offline")
			return
		}
	}

	result, err := s.updates.Download(r.URL.Query().Get("file"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	if result.Unverified {
		w.Header().Set("X-Update-Unverified", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

type installRequest struct {
	ArtifactName string `json:"artifactName"`
	Version      string `json:"version"`
}

func (s *Server) handleInstallUpdate(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid install body")
		return
	}

	if err := s.updates.Install(req.ArtifactName, req.Version); err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Normally unreachable: Install terminates via the exit hook.
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		writeJSONError(w, http.StatusBadRequest, "version is required")
		return
	}

	data, err := s.updates.Rollback(version)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "backup-"+version+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListActivity(queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListChat(queryLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
