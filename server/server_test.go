package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DoubleLatte/ntp/crypto"
	"github.com/DoubleLatte/ntp/discovery"
	"github.com/DoubleLatte/ntp/models"
	"github.com/DoubleLatte/ntp/relay"
	"github.com/DoubleLatte/ntp/storage"
	"github.com/DoubleLatte/ntp/transfer"
	"github.com/DoubleLatte/ntp/update"
)

const (
	testToken  = "test-token"
	testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type testEnv struct {
	server      *httptest.Server
	store       *storage.Store
	registry    *discovery.Registry
	updatesDir  string
	backupsDir  string
	receivedDir string
	privateKey  ed25519.PrivateKey
	exitCalls   *int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := t.TempDir()
	env := &testEnv{
		store:       store,
		registry:    discovery.NewRegistry(time.Minute),
		updatesDir:  filepath.Join(base, "updates"),
		backupsDir:  filepath.Join(base, "backups"),
		receivedDir: filepath.Join(base, "received"),
	}
	for _, dir := range []string{env.updatesDir, env.backupsDir, env.receivedDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	env.privateKey = privateKey

	coordinator := transfer.NewCoordinator(store, transfer.Options{
		ReceivedDir:           env.receivedDir,
		SharedDir:             filepath.Join(base, "shared"),
		QuarantinedExtensions: []string{".exe", ".sh"},
	})

	exitCalls := 0
	env.exitCalls = &exitCalls
	distributor := update.NewDistributor(store, update.Options{
		UpdatesDir:          env.updatesDir,
		BackupsDir:          env.backupsDir,
		AppDir:              filepath.Join(base, "app"),
		TrustedPublisherKey: publicKey,
		LocalAddress:        "10.0.0.1",
		Exit:                func(int) { exitCalls++ },
	})

	key, err := crypto.DeriveEnvelopeKey(testSecret)
	if err != nil {
		t.Fatalf("DeriveEnvelopeKey failed: %v", err)
	}
	hub := relay.NewHub(key, relay.NewDispatcher(store, coordinator, distributor, nil), nil, time.Minute)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := New(store, env.registry, coordinator, distributor, hub, Options{
		AuthTokens: []string{testToken},
	})
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)

	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body io.Reader, authed bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any, authed bool) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return e.request(t, http.MethodPost, path, bytes.NewReader(raw), authed)
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) seedProfile(t *testing.T, address string, mutate func(*models.Profile)) {
	t.Helper()
	profile := models.Profile{Address: address, Status: models.StatusOnline}
	if mutate != nil {
		mutate(&profile)
	}
	if _, err := e.store.UpsertProfile(profile); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
}

func TestProfileUpsertMintsStableIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/profile", map[string]any{"address": "10.0.0.2", "nickname": "alice"}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	first := decodeBody[map[string]string](t, resp)
	if first["identityId"] == "" {
		t.Fatalf("expected identityId in response")
	}

	resp = env.postJSON(t, "/profile", map[string]any{"address": "10.0.0.2", "nickname": "renamed"}, false)
	second := decodeBody[map[string]string](t, resp)
	if second["identityId"] != first["identityId"] {
		t.Fatalf("identity changed across upserts: %q vs %q", second["identityId"], first["identityId"])
	}

	resp = env.postJSON(t, "/profile", map[string]any{"nickname": "no-address"}, false)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}
}

func TestMutatingRoutesFailClosedWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.2", nil)

	resp := env.postJSON(t, "/status", statusRequest{Address: "10.0.0.2", Status: models.StatusIdle}, false)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403", resp.StatusCode)
	}

	profile, err := env.store.GetProfile("10.0.0.2")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.Status != models.StatusOnline {
		t.Fatalf("unauthorized request must have no side effect, status %q", profile.Status)
	}

	// Wrong token is also refused.
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/status", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	wrongResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer wrongResp.Body.Close()
	if wrongResp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403", wrongResp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.2", nil)

	resp := env.postJSON(t, "/status", statusRequest{Address: "10.0.0.2", Status: models.StatusDoNotDisturb}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	profile, _ := env.store.GetProfile("10.0.0.2")
	if profile.Status != models.StatusDoNotDisturb {
		t.Fatalf("got %q want dnd", profile.Status)
	}

	resp = env.postJSON(t, "/status", statusRequest{Address: "203.0.113.9", Status: models.StatusIdle}, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404", resp.StatusCode)
	}

	resp = env.postJSON(t, "/status", statusRequest{Address: "10.0.0.2", Status: "napping"}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}
}

func TestDevicesSnapshotDecoratedWithPresence(t *testing.T) {
	env := newTestEnv(t)

	env.registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000, AdvertisedVersion: "1.0.0"})
	env.registry.Observe(models.Device{Name: "laptop", Address: "10.0.0.3", Port: 8000})
	env.seedProfile(t, "10.0.0.2", func(p *models.Profile) {
		p.Nickname = "alice"
		p.AutoAccept = true
		p.Status = models.StatusIdle
		p.Version = "1.2.0"
	})

	resp := env.request(t, http.MethodGet, "/devices", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	views := decodeBody[[]deviceView](t, resp)
	if len(views) != 2 {
		t.Fatalf("got %d devices want 2", len(views))
	}

	// Snapshot is name-ordered: desk, laptop.
	desk := views[0]
	if desk.Nickname != "alice" || !desk.AutoAccept || desk.Status != models.StatusIdle || desk.AdvertisedVersion != "1.2.0" {
		t.Fatalf("expected decorated device, got %+v", desk)
	}
	if views[1].ProfileSeen {
		t.Fatalf("laptop has no profile, got %+v", views[1])
	}
}

func TestInviteCodeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.2", nil)

	resp := env.postJSON(t, "/invite-code", inviteCodeRequest{Address: "10.0.0.2", Code: "join-me"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	profile, err := env.store.GetProfile("10.0.0.2")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.InviteCode != "join-me" {
		t.Fatalf("got invite code %q want join-me", profile.InviteCode)
	}

	resp = env.postJSON(t, "/invite-code", inviteCodeRequest{Address: "203.0.113.9", Code: "x"}, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404", resp.StatusCode)
	}

	resp = env.postJSON(t, "/invite-code", inviteCodeRequest{Address: "10.0.0.2", Code: "y"}, false)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403 without token", resp.StatusCode)
	}
}

func TestDevicesIncludesStoreOnlyProfiles(t *testing.T) {
	env := newTestEnv(t)

	env.registry.Observe(models.Device{Name: "desk", Address: "10.0.0.2", Port: 8000})
	env.seedProfile(t, "10.0.0.2", nil)
	env.seedProfile(t, "10.0.0.7", func(p *models.Profile) {
		p.Nickname = "ghost"
		p.Status = models.StatusOffline
	})

	resp := env.request(t, http.MethodGet, "/devices", nil, false)
	views := decodeBody[[]deviceView](t, resp)
	if len(views) != 2 {
		t.Fatalf("got %d devices want 2", len(views))
	}

	// The store-only profile trails the registry snapshot.
	ghost := views[1]
	if ghost.Address != "10.0.0.7" || ghost.Name != "ghost" || !ghost.ProfileSeen {
		t.Fatalf("expected store-only profile entry, got %+v", ghost)
	}
	if ghost.Status != models.StatusOffline {
		t.Fatalf("got status %q want offline", ghost.Status)
	}
}

func TestUploadRequestFlow(t *testing.T) {
	env := newTestEnv(t)

	// Offline receiver.
	resp := env.postJSON(t, "/upload-request", uploadRequest{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.9"}, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403 for offline receiver", resp.StatusCode)
	}

	env.seedProfile(t, "10.0.0.3", func(p *models.Profile) {
		p.AutoAccept = true
		p.AutoAcceptAllowlist = []string{"10.0.0.2"}
	})

	resp = env.postJSON(t, "/upload-request", uploadRequest{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	verdict := decodeBody[map[string]bool](t, resp)
	if !verdict["autoAccepted"] {
		t.Fatalf("expected auto-accept for allowlisted sender")
	}

	resp = env.postJSON(t, "/upload-request", uploadRequest{Filename: "b.txt", Sender: "10.0.0.8", Receiver: "10.0.0.3"}, true)
	verdict = decodeBody[map[string]bool](t, resp)
	if verdict["autoAccepted"] {
		t.Fatalf("non-allowlisted sender must not be auto-accepted")
	}

	resp = env.postJSON(t, "/upload-request", uploadRequest{Filename: "bad<name>.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400 for invalid filename", resp.StatusCode)
	}
}

func TestUploadRequestAutoAcceptNotifiesBothEnds(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.3", func(p *models.Profile) {
		p.AutoAccept = true
		p.AutoAcceptAllowlist = []string{"10.0.0.2"}
	})

	host := strings.TrimPrefix(env.server.URL, "http://")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := relay.DialClient(ctx, host, "10.0.0.2", "all", testSecret, nil)
	if err != nil {
		t.Fatalf("DialClient sender failed: %v", err)
	}
	defer sender.Close()
	receiver, err := relay.DialClient(ctx, host, "10.0.0.3", "all", testSecret, nil)
	if err != nil {
		t.Fatalf("DialClient receiver failed: %v", err)
	}
	defer receiver.Close()

	// A chat round trip proves both sessions are registered with the hub.
	if err := sender.Send(relay.Envelope{Type: relay.TypeChat, Payload: json.RawMessage(`{"body":"ping"}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case <-receiver.Envelopes():
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver never saw the warm-up chat")
	}

	resp := env.postJSON(t, "/upload-request", uploadRequest{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}, true)
	verdict := decodeBody[map[string]bool](t, resp)
	if !verdict["autoAccepted"] {
		t.Fatalf("expected auto-accept for allowlisted sender")
	}

	for name, client := range map[string]*relay.Client{"sender": sender, "receiver": receiver} {
		select {
		case envlp := <-client.Envelopes():
			if envlp.Type != relay.TypeFileAutoAccepted {
				t.Fatalf("%s got envelope type %q want %q", name, envlp.Type, relay.TypeFileAutoAccepted)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never received the auto-accept notification", name)
		}
	}
}

func TestAcceptAndRejectDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.3", nil)

	env.postJSON(t, "/upload-request", uploadRequest{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}, true)

	decision := decisionRequest{Filename: "a.txt", Sender: "10.0.0.2", Receiver: "10.0.0.3"}
	resp := env.postJSON(t, "/accept-file", decision, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}

	// Double decision conflicts.
	resp = env.postJSON(t, "/reject-file", decision, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got status %d want 409", resp.StatusCode)
	}

	// Unknown transfer.
	resp = env.postJSON(t, "/accept-file", decisionRequest{Filename: "ghost.txt", Sender: "x", Receiver: "y"}, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404", resp.StatusCode)
	}
}

func TestUploadStoresBody(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.3", nil)

	body := strings.Repeat("x", 4096)
	resp := env.request(t, http.MethodPost,
		"/upload?filename=notes.txt&address=10.0.0.3&sender=10.0.0.2",
		strings.NewReader(body), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	result := decodeBody[map[string]any](t, resp)
	if int(result["bytes"].(float64)) != len(body) {
		t.Fatalf("got %v bytes want %d", result["bytes"], len(body))
	}

	stored, err := os.ReadFile(filepath.Join(env.receivedDir, "notes.txt"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(stored) != body {
		t.Fatalf("stored body mismatch")
	}
}

func TestUploadRejectsInvalidFilenameBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.3", nil)

	resp := env.request(t, http.MethodPost,
		"/upload?filename=bad%3Cname%3E.txt&address=10.0.0.3&sender=10.0.0.2",
		strings.NewReader("nope"), true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}

	entries, err := os.ReadDir(env.receivedDir)
	if err != nil {
		t.Fatalf("read received dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("invalid filename must never reach disk, found %v", entries)
	}
}

func TestUploadQuarantinesRiskyExtension(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.3", nil)

	resp := env.request(t, http.MethodPost,
		"/upload?filename=tool.exe&address=10.0.0.3&sender=10.0.0.2",
		strings.NewReader("MZ"), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}

	if _, err := os.Stat(filepath.Join(env.receivedDir, "tool.exe.zip")); err != nil {
		t.Fatalf("expected quarantined zip: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.receivedDir, "tool.exe")); err == nil {
		t.Fatalf("bare risky filename must never land on disk")
	}
}

func TestFetchSharedStreamsFile(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/share-folder?folder=docs", nil, true)
	shared := decodeBody[map[string]string](t, resp)
	payload := strings.Repeat("z", 200_000)
	if err := os.WriteFile(filepath.Join(shared["path"], "guide.txt"), []byte(payload), 0o600); err != nil {
		t.Fatalf("write shared file: %v", err)
	}

	resp = env.request(t, http.MethodGet, "/fetch-shared?folder=docs&filename=guide.txt", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("streamed body mismatch, got %d bytes want %d", len(body), len(payload))
	}

	resp = env.request(t, http.MethodGet, "/fetch-shared?folder=docs&filename=missing.txt", nil, false)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/fetch-shared?folder=docs&filename=bad%7Cname.txt", nil, false)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}
}

func publishTestUpdate(t *testing.T, env *testEnv, version string, corrupt bool) string {
	t.Helper()

	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "app.bin"), []byte("payload "+version), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	result, err := update.Package(source, env.updatesDir, version, models.UpdateKindPrimary, env.privateKey)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}

	signature := result.Metadata.Signature
	if corrupt {
		signature = "deadbeef" + signature[8:]
	}
	if err := env.store.SaveUpdateMetadata(models.UpdateMetadata{
		Version:      version,
		Kind:         models.UpdateKindPrimary,
		ArtifactName: result.Metadata.ArtifactName,
		Signature:    signature,
	}); err != nil {
		t.Fatalf("SaveUpdateMetadata failed: %v", err)
	}
	return result.Metadata.ArtifactName
}

func TestUpdateEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/check-update", nil, false)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404 before publish", resp.StatusCode)
	}

	artifactName := publishTestUpdate(t, env, "1.1.0", false)

	resp = env.request(t, http.MethodGet, "/check-update", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	meta := decodeBody[models.UpdateMetadata](t, resp)
	if meta.Version != "1.1.0" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	resp = env.request(t, http.MethodGet, "/download-update?file="+artifactName, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected artifact bytes")
	}

	// Backup written before streaming.
	backup, err := os.ReadFile(filepath.Join(env.backupsDir, "backup-1.1.0.zip"))
	if err != nil {
		t.Fatalf("expected backup: %v", err)
	}
	if !bytes.Equal(backup, data) {
		t.Fatalf("backup must match the streamed artifact")
	}

	resp = env.request(t, http.MethodGet, "/rollback?version=1.1.0", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	restored, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(restored, data) {
		t.Fatalf("rollback bytes must be the verbatim backup")
	}

	resp = env.request(t, http.MethodGet, "/rollback?version=9.9.9", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d want 404", resp.StatusCode)
	}
}

func TestPublishUpdateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/publish-update", publishRequest{
		Version: "1.3.0", Kind: models.UpdateKindPrimary, ArtifactName: "ntp-update-1.3.0.zip", Signature: "aa",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}

	meta, err := env.store.GetUpdateMetadata()
	if err != nil {
		t.Fatalf("GetUpdateMetadata failed: %v", err)
	}
	if meta.Version != "1.3.0" || meta.ArtifactName != "ntp-update-1.3.0.zip" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	resp = env.postJSON(t, "/publish-update", publishRequest{
		Version: "not-semver", Kind: models.UpdateKindPrimary, ArtifactName: "x.zip",
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400 for bad semver", resp.StatusCode)
	}

	resp = env.postJSON(t, "/publish-update", publishRequest{
		Version: "1.4.0", Kind: "mystery", ArtifactName: "x.zip",
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400 for unknown kind", resp.StatusCode)
	}
}

func TestDownloadUpdateRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	artifactName := publishTestUpdate(t, env, "1.1.0", true)

	resp := env.request(t, http.MethodGet, "/download-update?file="+artifactName, nil, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(env.backupsDir, "backup-1.1.0.zip")); err == nil {
		t.Fatalf("failed verification must not write a backup")
	}
}

func TestDownloadAndRollbackRequireToken(t *testing.T) {
	env := newTestEnv(t)
	artifactName := publishTestUpdate(t, env, "1.1.0", false)

	resp := env.request(t, http.MethodGet, "/download-update?file="+artifactName, nil, false)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403 without token", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(env.backupsDir, "backup-1.1.0.zip")); err == nil {
		t.Fatalf("unauthenticated download must not write a backup")
	}

	resp = env.request(t, http.MethodGet, "/rollback?version=1.1.0", nil, false)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403 without token", resp.StatusCode)
	}
}

func TestDownloadUpdateRefusesOfflineRequester(t *testing.T) {
	env := newTestEnv(t)
	artifactName := publishTestUpdate(t, env, "1.1.0", false)

	env.seedProfile(t, "10.0.0.2", func(p *models.Profile) { p.Status = models.StatusOffline })

	resp := env.request(t, http.MethodGet, fmt.Sprintf("/download-update?file=%s&address=10.0.0.2", artifactName), nil, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got status %d want 403", resp.StatusCode)
	}
}

func TestInstallUpdateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "10.0.0.1", nil)
	artifactName := publishTestUpdate(t, env, "1.1.0", false)

	resp := env.postJSON(t, "/install-update", installRequest{ArtifactName: artifactName, Version: "1.1.0"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	if *env.exitCalls != 1 {
		t.Fatalf("expected exit hook to fire, fired %d times", *env.exitCalls)
	}

	profile, _ := env.store.GetProfile("10.0.0.1")
	if profile.Version != "1.1.0" {
		t.Fatalf("got version %q want 1.1.0", profile.Version)
	}
}

func TestLogsAndChatHistory(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if _, err := env.store.AppendChat(models.ChatRecord{
			Body: fmt.Sprintf("m%d", i), SenderAddress: "10.0.0.2", Timestamp: int64(100 + i),
		}); err != nil {
			t.Fatalf("AppendChat failed: %v", err)
		}
	}
	if _, err := env.store.AppendActivity(models.ActivityEntry{Action: "test-entry"}); err != nil {
		t.Fatalf("AppendActivity failed: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/chat-history?limit=2", nil, false)
	records := decodeBody[[]models.ChatRecord](t, resp)
	if len(records) != 2 || records[0].Body != "m1" {
		t.Fatalf("unexpected chat history %+v", records)
	}

	resp = env.request(t, http.MethodGet, "/logs", nil, false)
	entries := decodeBody[[]models.ActivityEntry](t, resp)
	if len(entries) != 1 || entries[0].Action != "test-entry" {
		t.Fatalf("unexpected logs %+v", entries)
	}
}

func TestShareFolderEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/share-folder?folder=designs", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d want 200", resp.StatusCode)
	}
	result := decodeBody[map[string]string](t, resp)
	if info, err := os.Stat(result["path"]); err != nil || !info.IsDir() {
		t.Fatalf("expected shared folder at %q: %v", result["path"], err)
	}

	resp = env.request(t, http.MethodPost, "/share-folder?folder=bad%7Cname", nil, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}
}
