package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/DoubleLatte/ntp/config"
	"github.com/DoubleLatte/ntp/crypto"
	"github.com/DoubleLatte/ntp/discovery"
	"github.com/DoubleLatte/ntp/relay"
	"github.com/DoubleLatte/ntp/server"
	"github.com/DoubleLatte/ntp/storage"
	"github.com/DoubleLatte/ntp/transfer"
	"github.com/DoubleLatte/ntp/update"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	_, signingPublicKey, err := crypto.EnsureEd25519KeyPair(cfg.SigningPrivateKeyPath, cfg.SigningPublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing signing keypair: %v", err)
	}

	// Without an explicit publisher key, trust our own: self-published updates.
	trustedKey, err := crypto.LoadEd25519PublicKey(cfg.TrustedPublisherKeyPath)
	if err != nil {
		trustedKey = signingPublicKey
	}

	envelopeKey, err := crypto.DeriveEnvelopeKey(cfg.RelaySecret)
	if err != nil {
		log.Fatalf("startup failed while deriving relay key: %v", err)
	}

	fmt.Printf("Node ID:         %s\n", cfg.NodeID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", cfg.ListenPort)
	fmt.Printf("Version:         %s\n", cfg.Version)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	localAddr := localAddress()

	discoveryService, err := discovery.Start(discovery.Config{
		DeviceName:      cfg.DeviceName,
		ListenPort:      cfg.ListenPort,
		Version:         cfg.Version,
		RefreshInterval: time.Duration(cfg.RegistryRefreshSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("startup failed while starting discovery: %v", err)
	}
	defer discoveryService.Stop()
	fmt.Println("Discovery:       running")

	coordinator := transfer.NewCoordinator(store, transfer.Options{
		ReceivedDir:           config.ReceivedDir(dataDir),
		SharedDir:             config.SharedDir(dataDir),
		QuarantinedExtensions: cfg.QuarantinedExtensions,
		Logger:                logger,
	})

	distributor := update.NewDistributor(store, update.Options{
		UpdatesDir:          config.UpdatesDir(dataDir),
		BackupsDir:          config.BackupsDir(dataDir),
		AppDir:              config.AppDir(dataDir),
		TrustedPublisherKey: trustedKey,
		LocalAddress:        localAddr,
		Logger:              logger,
	})

	dispatcher := relay.NewDispatcher(store, coordinator, distributor, logger)
	hub := relay.NewHub(envelopeKey, dispatcher, logger, time.Duration(cfg.HeartbeatSeconds)*time.Second)
	go hub.Run()
	defer hub.Stop()

	controlSurface := server.New(store, discoveryService.Registry, coordinator, distributor, hub, server.Options{
		AuthTokens: cfg.AuthTokens,
		ChunkSize:  cfg.FileChunkSize,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	fmt.Printf("Control Surface: http://%s%s\n", localAddr, addr)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	if err := controlSurface.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	fmt.Println("Status:          shut down")
}

// localAddress guesses the LAN-facing IP. No packets are sent.
func localAddress() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
