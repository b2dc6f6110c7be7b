package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/DoubleLatte/ntp/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_ntpshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is how often the LAN is re-scanned.
	DefaultRefreshInterval = 15 * time.Second
	// DefaultScanTimeout bounds each browse pass.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	DeviceName string
	ListenPort int
	Version    string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("listen port must be > 0")
	}
	return nil
}

// Broadcaster advertises this node on the LAN.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the mDNS service record for this node.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + cfg.Version,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS advertising.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Scanner periodically browses the LAN and feeds sightings into a Registry.
type Scanner struct {
	cfg      Config
	registry *Registry
	browse   browseFunc

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner bound to a registry.
func NewScanner(config Config, registry *Registry) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:      cfg,
		registry: registry,
		browse:   browse,
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the registry immediately instead of waiting a full interval.
	s.runScan()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if device, ok := parseEntry(entry, s.cfg.DeviceName); ok {
					s.registry.Observe(device)
				}
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

func parseEntry(entry *zeroconf.ServiceEntry, selfName string) (models.Device, bool) {
	name := strings.TrimSpace(entry.Instance)
	if name == "" || name == selfName {
		return models.Device{}, false
	}

	address := ""
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			address = ip.String()
			break
		}
	}
	if address == "" {
		for _, ip := range entry.AddrIPv6 {
			if ip != nil {
				address = ip.String()
				break
			}
		}
	}
	if address == "" {
		return models.Device{}, false
	}

	return models.Device{
		Name:              name,
		Address:           address,
		Port:              entry.Port,
		Status:            models.StatusOnline,
		AdvertisedVersion: txtValue(entry.Text, "version"),
	}, true
}

func txtValue(text []string, key string) string {
	prefix := key + "="
	for _, entry := range text {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(entry, prefix))
		}
	}
	return ""
}

// Service bundles the broadcaster and scanner lifecycle.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *Scanner
	Registry    *Registry
}

// Start advertises this node and begins scanning into a fresh registry.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(3 * cfg.RefreshInterval)
	scanner, err := NewScanner(cfg, registry)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	scanner.Start()

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
		Registry:    registry,
	}, nil
}

// Stop stops scanning and advertising.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
