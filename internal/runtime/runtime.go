package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/busbridge"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/modelslot"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/promptcache"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	telemetry   *telemetry
	ready       atomic.Bool
	wg          sync.WaitGroup

	registry     *registry.Store
	slot         *modelslot.Slot
	voice        *voice.Service
	nats         *natsserver.EmbeddedServer
	bus          *bus.Client
	bridge       *busbridge.Bridge
	capabilities *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP until ctx is cancelled and
// then shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.shutdownTelemetry()

	if err := r.buildVoice(ctx); err != nil {
		r.closeComponents()
		return err
	}
	if err := r.startBus(ctx); err != nil {
		r.closeComponents()
		return err
	}

	a := &api{
		svc:            r.voice,
		logger:         r.logger.With(slog.String("component", "http")),
		sampleRate:     r.cfg.Engine.SampleRate,
		requestTimeout: r.cfg.Engine.RequestTimeout,
		metrics:        tel.metrics,
		ready:          r.isReady,
		nodes:          r.nodes,
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("model_family", r.slot.Family().Name))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeComponents()
	return nil
}

func (r *Runtime) buildVoice(ctx context.Context) error {
	loader, err := newLoader(r.cfg.Engine, r.logger)
	if err != nil {
		return err
	}
	store, err := registry.Open(ctx, r.cfg.Registry, r.logger.With(slog.String("component", "speaker-registry")))
	if err != nil {
		return fmt.Errorf("open speaker registry: %w", err)
	}
	r.registry = store

	slot, err := modelslot.New(r.cfg.Engine, loader, r.logger)
	if err != nil {
		return err
	}
	r.slot = slot

	cache := promptcache.New(r.logger)
	pipeline := synthesis.New(r.cfg, slot, cache, r.logger)
	r.voice = voice.NewService(r.cfg, store, slot, cache, pipeline, r.logger)
	return nil
}

func newLoader(cfg config.EngineConfig, logger *slog.Logger) (engine.Loader, error) {
	switch cfg.Mode {
	case "exec":
		return engine.NewExecLoader(cfg.Command, logger)
	case "mock", "":
		logger.Warn("using mock speech engine")
		return engine.NewMockLoader(cfg.SampleRate), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.bridge = busbridge.New(ctx, busbridge.Options{
		NodeID:         r.cfg.Node.ID,
		SampleRate:     r.cfg.Engine.SampleRate,
		RequestTimeout: r.cfg.Engine.RequestTimeout,
	}, client, r.voice, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start bus bridge: %w", err)
	}
	r.voice.SetNotifier(r.bridge)

	caps, err := capability.NewRegistry(ctx, r.cfg.Node, client, voiceCapabilities(r.voice), r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.capabilities = caps
	return nil
}

func voiceCapabilities(svc *voice.Service) capability.Provider {
	return func() []capability.Capability {
		h := svc.Health()
		attrs := map[string]string{
			"model_loaded": strconv.FormatBool(h.EngineLoaded),
			"model_family": h.ModelFamily,
		}
		return []capability.Capability{
			{Name: capability.CapabilityDesign, Attributes: attrs},
			{Name: capability.CapabilitySynthesis, Attributes: attrs},
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus == nil {
		return true
	}
	return r.bus.Healthy() && r.bridge.Healthy() && r.capabilities.Healthy()
}

// nodes lists voice nodes seen on the bus, optionally only those advertising
// capability. It is empty when the bus is disabled.
func (r *Runtime) nodes(capabilityName string) []capability.NodeInfo {
	if r.capabilities == nil {
		return nil
	}
	var filter func(capability.NodeInfo) bool
	if capabilityName != "" {
		filter = capability.WithCapabilityFilter(capabilityName)
	}
	return r.capabilities.Query(filter)
}

func (r *Runtime) closeComponents() {
	if r.capabilities != nil {
		r.capabilities.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.slot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := r.slot.Close(ctx); err != nil {
			r.logger.Error("model unload error", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			r.logger.Error("speaker registry close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) shutdownTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
