package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	grpcapi "github.com/KevinKickass/OpenAcqCore/internal/api/grpc"
	"github.com/KevinKickass/OpenAcqCore/internal/api/rest"
	"github.com/KevinKickass/OpenAcqCore/internal/api/websocket"
	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"github.com/KevinKickass/OpenAcqCore/internal/interfaces"
	"github.com/KevinKickass/OpenAcqCore/internal/metrics"
	"github.com/KevinKickass/OpenAcqCore/internal/mqtt"
	"github.com/KevinKickass/OpenAcqCore/internal/sniffer"
	"github.com/KevinKickass/OpenAcqCore/internal/storage"
	"github.com/KevinKickass/OpenAcqCore/internal/timing/timer"
	"github.com/KevinKickass/OpenAcqCore/internal/timing/user"
	"github.com/KevinKickass/OpenAcqCore/internal/transport/heap"
	"github.com/KevinKickass/OpenAcqCore/internal/transport/ringbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// builtinModule owns the transport and timing types shipped with the daemon.
const builtinModule = "builtin"

type LifecycleManager struct {
	config        *config.Config
	logger        *zap.Logger
	tree          *directory.Tree
	registry      *core.Registry
	plugins       *core.Module
	deviceManager *devices.Manager
	streamer      *events.Streamer
	sniffer       *sniffer.Sniffer
	metrics       *metrics.Metrics
	promRegistry  *prometheus.Registry
	storage       *storage.Store
	audit         *storage.AuditLog
	bridge        *mqtt.Bridge
	authService   *auth.AuthService
	wsHub         *websocket.Hub

	restServer *rest.Server
	grpcServer *grpc.Server

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager builds the registry, its plugins, the observers and
// both API servers. Nothing listens until Run.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		tree:         directory.New(),
		streamer:     events.NewStreamer(),
		sniffer:      sniffer.New(cfg.Sniffer.Capacity),
		promRegistry: prometheus.NewRegistry(),
		currentState: StateInitializing,
	}

	lm.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(lm.promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	lm.metrics = m

	observers := []core.Observer{lm.metrics, lm.streamer, lm.sniffer}
	if cfg.Database.Enabled {
		if err := lm.openAudit(ctx); err != nil {
			return nil, err
		}
		observers = append(observers, lm.audit)
	}
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.Connect(ctx, cfg.MQTT, logger.Named("mqtt"))
		if err != nil {
			lm.closeSinks()
			return nil, fmt.Errorf("failed to start MQTT bridge: %w", err)
		}
		lm.bridge = bridge
		observers = append(observers, bridge)
	}

	reg, err := core.NewRegistry(core.Env{
		Directory:  lm.tree,
		Attributes: lm.tree,
		Logger:     logger.Named("core"),
		Observer:   core.Observers(observers...),
	}, core.WithDefaults(cfg.Acquisition.DefaultTransport, cfg.Acquisition.DefaultTiming))
	if err != nil {
		lm.closeSinks()
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	lm.registry = reg

	if err := lm.registerPlugins(); err != nil {
		lm.registry.Close()
		lm.closeSinks()
		return nil, err
	}

	lm.deviceManager, err = devices.NewManager(reg, devices.Options{
		SearchPaths:   cfg.Devices.SearchPaths,
		ModbusTimeout: cfg.Modbus.DefaultTimeout,
	}, logger.Named("devices"))
	if err != nil {
		lm.registry.Close()
		lm.closeSinks()
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	lm.authService = auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	lm.wsHub = websocket.NewHub(logger.Named("ws"), lm.authService, lm.streamer)
	lm.restServer = rest.NewServer(lm, logger.Named("rest"), lm.wsHub, lm.authService, lm.promRegistry)
	lm.grpcServer = grpcapi.NewGRPCServer(grpcapi.NewServer(lm, logger.Named("grpc")), lm.authService, logger.Named("grpc"))

	return lm, nil
}

func (lm *LifecycleManager) openAudit(ctx context.Context) error {
	st, err := storage.Open(ctx, lm.config.Database, lm.logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("failed to open audit storage: %w", err)
	}
	lm.storage = st
	lm.audit = st.Audit()
	return nil
}

func (lm *LifecycleManager) registerPlugins() error {
	acq := lm.config.Acquisition
	lm.plugins = core.NewModule(builtinModule)

	for _, tt := range []*core.TransportType{
		heap.Type(lm.plugins, acq.HeapMaxKB),
		ringbuf.Type(lm.plugins, acq.RingKB),
	} {
		if err := lm.registry.RegisterTransport(tt); err != nil {
			return fmt.Errorf("register transport %s: %w", tt.Name, err)
		}
	}
	for _, tt := range []*core.TimingType{
		user.Type(lm.plugins),
		timer.Type(lm.plugins, acq.TimerPeriod),
	} {
		if err := lm.registry.RegisterTiming(tt); err != nil {
			return fmt.Errorf("register timing %s: %w", tt.Name, err)
		}
	}
	return nil
}

func (lm *LifecycleManager) Config() *config.Config          { return lm.config }
func (lm *LifecycleManager) Registry() *core.Registry        { return lm.registry }
func (lm *LifecycleManager) Directory() *directory.Tree      { return lm.tree }
func (lm *LifecycleManager) DeviceManager() *devices.Manager { return lm.deviceManager }
func (lm *LifecycleManager) Events() *events.Streamer        { return lm.streamer }
func (lm *LifecycleManager) Sniffer() *sniffer.Sniffer       { return lm.sniffer }
func (lm *LifecycleManager) Auth() *auth.AuthService         { return lm.authService }
func (lm *LifecycleManager) RESTServer() *rest.Server        { return lm.restServer }
func (lm *LifecycleManager) GRPCServer() *grpc.Server        { return lm.grpcServer }
func (lm *LifecycleManager) Gatherer() prometheus.Gatherer   { return lm.promRegistry }
func (lm *LifecycleManager) State() SystemState              { return lm.getState() }

// Audit returns nil when the database is disabled.
func (lm *LifecycleManager) Audit() *storage.AuditLog { return lm.audit }

// Run listens on the configured ports and blocks until ctx ends or a
// server fails.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}
	return lm.Serve(ctx, httpLis, grpcLis)
}

// Serve runs the system on the given listeners. Autoload failures are
// logged and do not stop the start.
func (lm *LifecycleManager) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lm.cancelMu.Lock()
	lm.cancel = cancel
	lm.cancelMu.Unlock()

	lm.logger.Info("Starting OpenAcqCore")
	if err := lm.deviceManager.Autoload(lm.config.Devices.Autoload); err != nil {
		lm.logger.Warn("Some devices failed to autoload", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lm.wsHub.Run(gctx)
		return nil
	})
	if lm.audit != nil {
		g.Go(func() error { return lm.audit.Run(gctx) })
	}
	if lm.bridge != nil {
		g.Go(func() error { return lm.bridge.Run(gctx) })
	}
	g.Go(func() error { return lm.restServer.Serve(httpLis) })
	g.Go(func() error {
		lm.logger.Info("gRPC server listening",
			zap.String("address", grpcLis.Addr().String()),
			zap.String("services", grpcapi.ServiceName))
		if err := lm.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return lm.gracefulShutdown()
	})

	lm.startedAt = time.Now()
	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.String("http", httpLis.Addr().String()),
		zap.String("grpc", grpcLis.Addr().String()),
		zap.Int("devices", len(lm.deviceManager.List())))

	err := g.Wait()
	lm.closeStorage()
	if err != nil {
		lm.setState(StateError)
		lm.setState(StateStopped)
		return err
	}
	lm.setState(StateStopped)
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

// Shutdown ends a running Serve.
func (lm *LifecycleManager) Shutdown() {
	lm.cancelMu.Lock()
	defer lm.cancelMu.Unlock()
	if lm.cancel != nil {
		lm.cancel()
	}
}

func (lm *LifecycleManager) gracefulShutdown() error {
	lm.logger.Info("Shutting down system")
	lm.setState(StateStopping)

	// event streams never finish on their own
	lm.streamer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), lm.config.Server.ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := lm.restServer.Shutdown(gctx); err != nil {
			return fmt.Errorf("rest api shutdown failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-gctx.Done():
			lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
			lm.grpcServer.Stop()
			<-stopped
		}
		return nil
	})
	err := g.Wait()

	if stopErr := lm.deviceManager.StopAll(ctx); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("device manager stop failed: %w", stopErr))
	}
	lm.registry.Close()
	lm.unloadPlugins()
	if lm.audit != nil {
		lm.audit.Close()
	}
	if lm.bridge != nil {
		lm.bridge.Close()
	}
	return err
}

func (lm *LifecycleManager) unloadPlugins() {
	if err := lm.plugins.Unload(); err != nil {
		lm.logger.Warn("Plugin module still referenced", zap.Error(err))
	}
}

// Close releases a manager whose Serve never ran.
func (lm *LifecycleManager) Close() {
	lm.streamer.Close()
	if err := lm.deviceManager.StopAll(context.Background()); err != nil {
		lm.logger.Warn("Device manager stop failed", zap.Error(err))
	}
	lm.registry.Close()
	lm.unloadPlugins()
	lm.closeSinks()
}

// closeSinks releases the audit log and the MQTT bridge when their Run
// never started.
func (lm *LifecycleManager) closeSinks() {
	if lm.audit != nil {
		lm.audit.Close()
	}
	if lm.bridge != nil {
		lm.bridge.Close()
		// drains what is queued, then disconnects
		_ = lm.bridge.Run(context.Background())
		lm.bridge = nil
	}
	lm.closeStorage()
}

func (lm *LifecycleManager) closeStorage() {
	if lm.storage != nil {
		lm.storage.Close()
		lm.storage = nil
	}
}

func (lm *LifecycleManager) getState() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	from := lm.currentState
	if err := ValidateTransition(from, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Debug("System state changed", zap.Stringer("from", from), zap.Stringer("to", state))
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	reg := lm.registry
	state := lm.getState()
	st := interfaces.SystemStatus{
		State:        state.String(),
		Accepting:    state.Accepting(),
		StartedAt:    lm.startedAt,
		DeviceCount:  len(reg.Devices()),
		Transports:   []string{},
		Timings:      []string{},
		Subscribers:  lm.streamer.Subscribers(),
		SnifferDepth: lm.sniffer.Len(),
		AuditEnabled: lm.audit != nil,
	}
	for _, tt := range reg.Transports() {
		st.Transports = append(st.Transports, tt.Name)
	}
	for _, tt := range reg.Timings() {
		st.Timings = append(st.Timings, tt.Name)
	}
	return st
}
