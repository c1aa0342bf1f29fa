// Package agent composes the device registry, the sharing coordinator and
// the admin surface into one long-running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/devicelink/internal/admin"
	"github.com/danmuck/devicelink/internal/device"
	"github.com/danmuck/devicelink/internal/events"
	"github.com/danmuck/devicelink/internal/gateway"
	"github.com/danmuck/devicelink/internal/sharing"
	"github.com/danmuck/devicelink/internal/transport/tcp"
	"github.com/danmuck/devicelink/internal/vault"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("agent: invalid heartbeat interval")
	ErrInvalidSharingRole       = errors.New("agent: invalid sharing role")
)

// SharingRole selects a session to start at boot. Empty starts none.
type SharingRole string

const (
	SharingNone       SharingRole = ""
	SharingCentral    SharingRole = "central"
	SharingPeripheral SharingRole = "peripheral"
)

type ServiceConfig struct {
	NodeID     string
	DeviceName string
	// VaultPath selects a file vault; empty keeps credentials in memory.
	VaultPath         string
	AdminListenAddr   string
	AdminToken        string
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	EventHistory      int
	StartSharing      SharingRole
	Sharing           sharing.Config
	Transport         tcp.Config
}

func DefaultServiceConfig() ServiceConfig {
	sh := sharing.DefaultConfig()
	sh.DeviceName = "devicelink"
	return ServiceConfig{
		NodeID:            "devicelink.local",
		DeviceName:        "devicelink",
		HeartbeatInterval: 5 * time.Second,
		EventHistory:      256,
		Sharing:           sh,
		Transport:         tcp.DefaultConfig(),
	}
}

// Service owns the wired components for one device.
type Service struct {
	cfg ServiceConfig

	bus      *events.Bus
	history  *events.Recorder
	registry *device.Registry
	coord    *sharing.Coordinator
	admin    *admin.Server
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.Sharing.DeviceName) == "" {
		cfg.Sharing.DeviceName = cfg.DeviceName
	}
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext bootstraps and serves until ctx is done.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Registry() *device.Registry { return s.registry }

func (s *Service) Coordinator() *sharing.Coordinator { return s.coord }

func (s *Service) Events() *events.Recorder { return s.history }

func (s *Service) bootstrap(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	switch s.cfg.StartSharing {
	case SharingNone, SharingCentral, SharingPeripheral:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSharingRole, s.cfg.StartSharing)
	}

	store, err := s.openVault()
	if err != nil {
		return err
	}
	s.bus = events.NewBus()
	s.history = events.NewRecorder(s.cfg.EventHistory)
	s.bus.Subscribe(s.history)
	s.bus.Subscribe(events.HandlerFunc(logEvent))

	s.registry, err = device.Current(device.Deps{
		Gateway: gateway.NewMemory(),
		Vault:   store,
		Events:  s.bus,
	})
	if err != nil {
		return fmt.Errorf("agent: device registry: %w", err)
	}

	s.coord, err = sharing.New(s.cfg.Sharing, s.registry, tcp.New(s.cfg.Transport))
	if err != nil {
		return fmt.Errorf("agent: sharing coordinator: %w", err)
	}
	s.coord.SetDelegate(sharingLog{})

	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		s.admin = admin.New(ctx, admin.Config{
			NodeID:      s.cfg.NodeID,
			Addr:        s.cfg.AdminListenAddr,
			CORSOrigins: s.cfg.CORSOrigins,
			Token:       s.cfg.AdminToken,
		}, admin.Deps{
			Registry: s.registry,
			Sharing:  s.coord,
			Events:   s.history,
		})
	}

	switch s.cfg.StartSharing {
	case SharingCentral:
		err = s.coord.StartAsCentral(ctx, nil)
	case SharingPeripheral:
		err = s.coord.StartAsPeripheral(ctx)
	}
	if err != nil {
		return fmt.Errorf("agent: start %s sharing: %w", s.cfg.StartSharing, err)
	}

	snap := s.registry.Snapshot()
	log.Info().
		Str("node_id", s.cfg.NodeID).
		Str("device_id", snap.Identifier).
		Str("status", snap.Status.String()).
		Str("sharing", string(s.cfg.StartSharing)).
		Msg("agent.Service.bootstrap ready")
	return nil
}

func (s *Service) openVault() (vault.Vault, error) {
	path := strings.TrimSpace(s.cfg.VaultPath)
	if path == "" {
		log.Warn().Msg("agent.Service.bootstrap using in-memory vault")
		return vault.NewMemory(), nil
	}
	f, err := vault.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open vault: %w", err)
	}
	return f, nil
}

func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer s.coord.Stop()

	adminErr := make(chan error, 1)
	if s.admin != nil {
		go func() {
			adminErr <- s.admin.Serve(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node_id", s.cfg.NodeID).Msg("agent.Service.serve shutdown")
			return nil
		case err := <-adminErr:
			if err != nil {
				return fmt.Errorf("agent: admin server: %w", err)
			}
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	snap := s.registry.Snapshot()
	evt := log.Info().
		Str("node_id", s.cfg.NodeID).
		Str("status", snap.Status.String()).
		Bool("authorizing", snap.IsBeingAuthorized)
	if info, ok := s.coord.Session(); ok {
		evt = evt.Str("sharing_role", info.Role.String()).Str("sharing_state", info.State.String())
	}
	evt.Msg("agent.Service.heartbeat")
}

func logEvent(_ context.Context, e events.Event) {
	evt := log.Info()
	if e.Err != nil {
		evt = log.Warn().Err(e.Err)
	}
	evt.Str("event", string(e.Name)).
		Str("device_id", e.DeviceID).
		Str("status", e.Status).
		Msg("agent.lifecycle")
}

// sharingLog is the process-level sharing delegate.
type sharingLog struct{}

func (sharingLog) DidReceiveRequest(req sharing.Request) {
	log.Info().
		Str("session_id", req.SessionID).
		Str("device_name", req.DeviceName).
		Str("peer", req.Peer.ID).
		Msg("agent.sharing request")
}

func (sharingLog) DidCompleteSharing(o sharing.Outcome) {
	evt := log.Info()
	if o.Err != nil {
		evt = log.Warn().Err(o.Err)
	}
	evt.Str("role", o.Role.String()).
		Str("session_id", o.SessionID).
		Bool("success", o.Success).
		Msg("agent.sharing complete")
}
