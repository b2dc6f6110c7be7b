package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/DoubleLatte/ntp/discovery"
	"github.com/DoubleLatte/ntp/relay"
	"github.com/DoubleLatte/ntp/storage"
	"github.com/DoubleLatte/ntp/transfer"
	"github.com/DoubleLatte/ntp/update"
)

// Options configures the control surface.
type Options struct {
	// AuthTokens are the accepted bearer tokens for mutating routes.
	AuthTokens []string

	// ChunkSize frames streamed shared-file responses.
	ChunkSize int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger *slog.Logger
}

// Server exposes the REST control surface and the relay upgrade endpoint.
type Server struct {
	store     *storage.Store
	registry  *discovery.Registry
	transfers *transfer.Coordinator
	updates   *update.Distributor
	hub       *relay.Hub
	opts      Options

	httpServer *http.Server
}

// New wires the control surface over the domain services.
func New(store *storage.Store, registry *discovery.Registry, transfers *transfer.Coordinator, updates *update.Distributor, hub *relay.Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transfer.DefaultChunkSize
	}
	return &Server{
		store:     store,
		registry:  registry,
		transfers: transfers,
		updates:   updates,
		hub:       hub,
		opts:      opts,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	// Profile registration is open so new devices can join.
	router.HandleFunc("/profile", s.handleProfile).Methods(http.MethodPost)

	router.HandleFunc("/status", s.requireAuth(s.handleStatus)).Methods(http.MethodPost)
	router.HandleFunc("/auto-accept", s.requireAuth(s.handleAutoAccept)).Methods(http.MethodPost)
	router.HandleFunc("/invite-code", s.requireAuth(s.handleInviteCode)).Methods(http.MethodPost)
	router.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)

	router.HandleFunc("/upload-request", s.requireAuth(s.handleUploadRequest)).Methods(http.MethodPost)
	router.HandleFunc("/accept-file", s.requireAuth(s.handleAcceptFile)).Methods(http.MethodPost)
	router.HandleFunc("/reject-file", s.requireAuth(s.handleRejectFile)).Methods(http.MethodPost)
	router.HandleFunc("/upload", s.requireAuth(s.handleUpload)).Methods(http.MethodPost)
	router.HandleFunc("/share-folder", s.requireAuth(s.handleShareFolder)).Methods(http.MethodPost)
	router.HandleFunc("/fetch-shared", s.handleFetchShared).Methods(http.MethodGet)

	router.HandleFunc("/publish-update", s.requireAuth(s.handlePublishUpdate)).Methods(http.MethodPost)
	router.HandleFunc("/check-update", s.handleCheckUpdate).Methods(http.MethodGet)
	// Download writes the backup and activity log, so it is gated too.
	router.HandleFunc("/download-update", s.requireAuth(s.handleDownloadUpdate)).Methods(http.MethodGet)
	router.HandleFunc("/install-update", s.requireAuth(s.handleInstallUpdate)).Methods(http.MethodPost)
	router.HandleFunc("/rollback", s.requireAuth(s.handleRollback)).Methods(http.MethodGet)

	router.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	router.HandleFunc("/chat-history", s.handleChatHistory).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.hub.HandleWebSocket)

	return router
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requireAuth fails closed with 403 before the handler can cause any side
// effect.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !s.tokenAllowed(token) {
			writeJSONError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) tokenAllowed(token string) bool {
	for _, allowed := range s.opts.AuthTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain failures onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrInvalidName):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transfer.ErrOffline):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, transfer.ErrUnknownTransfer), errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transfer.ErrBadTransition):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, update.ErrVerificationFailed):
		writeJSONError(w, http.StatusForbidden, err.Error())
	default:
		s.opts.Logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
