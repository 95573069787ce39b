// Package modelslot owns the single inference model resident on the compute
// device. Every load and every generation passes through one device permit,
// so at most one of them touches the device at a time.
package modelslot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

// Slot is either unloaded or holds one model for one role.
type Slot struct {
	loader engine.Loader
	cfg    config.EngineConfig
	log    *slog.Logger
	device *semaphore.Weighted

	// mu guards the fields below. It is held only briefly; the device permit
	// is what serializes work.
	mu          sync.Mutex
	family      config.ModelFamily
	model       engine.Model
	modelFamily string

	// failures counts failed loads. Waiters that queued before a failure
	// report it instead of loading again.
	failures     uint64
	lastFailure  error
	failedRole   engine.Role
	failedFamily string

	everLoaded atomic.Bool
	loads      atomic.Int64
	loadCount  metric.Int64Counter
	loadTime   metric.Float64Histogram
}

// New returns an unloaded slot using the configured default family.
func New(cfg config.EngineConfig, loader engine.Loader, log *slog.Logger) (*Slot, error) {
	family, ok := cfg.Family(cfg.DefaultFamily)
	if !ok {
		return nil, fmt.Errorf("default model family %q not configured", cfg.DefaultFamily)
	}
	s := &Slot{
		loader: loader,
		cfg:    cfg,
		log:    log.With(slog.String("component", "model-slot")),
		device: semaphore.NewWeighted(1),
		family: family,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/modelslot")
	var err error
	if s.loadCount, err = meter.Int64Counter("voice.model.loads", metric.WithDescription("Model loads by role")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if s.loadTime, err = meter.Float64Histogram("voice.model.load_duration", metric.WithUnit("s")); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s, nil
}

// Lease is exclusive use of the device with a model of the requested role
// resident. Release must be called when the work is done.
type Lease struct {
	slot  *Slot
	model engine.Model
	once  sync.Once
}

// Model returns the resident model the lease was granted for.
func (l *Lease) Model() engine.Model { return l.model }

// Release returns the device permit. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.slot.device.Release(1) })
}

// Acquire waits for the device, makes sure a model for role is resident and
// returns a lease on it. Waiting is bounded by the acquire timeout and
// loading by the load timeout.
func (s *Slot) Acquire(ctx context.Context, role engine.Role) (*Lease, error) {
	s.mu.Lock()
	seen := s.failures
	s.mu.Unlock()

	waitCtx := ctx
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := s.device.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, voiceerr.Errorf(voiceerr.ErrUnavailable, "modelslot.acquire", "device busy for %s", s.cfg.AcquireTimeout)
	}

	model, err := s.ensureLocked(ctx, role, seen)
	if err != nil {
		s.device.Release(1)
		return nil, err
	}
	return &Lease{slot: s, model: model}, nil
}

// Ensure makes a model for role resident without holding on to the device.
func (s *Slot) Ensure(ctx context.Context, role engine.Role) error {
	lease, err := s.Acquire(ctx, role)
	if err != nil {
		return err
	}
	lease.Release()
	return nil
}

// ensureLocked runs with the device permit held. seen is the failure count
// observed before the caller started waiting for the device.
func (s *Slot) ensureLocked(ctx context.Context, role engine.Role, seen uint64) (engine.Model, error) {
	s.mu.Lock()
	current := s.model
	family := s.family
	stale := s.modelFamily != family.Name
	failed := s.failures != seen && s.failedRole == role && s.failedFamily == family.Name
	lastFailure := s.lastFailure
	s.mu.Unlock()

	if current != nil && !stale && current.Role() == role && current.Healthy() {
		return current, nil
	}
	if failed {
		return nil, lastFailure
	}
	if current != nil {
		s.unload(current)
	}

	spec := engine.LoadSpec{
		Family:   family.Name,
		Role:     role,
		Path:     checkpoint(family, role),
		Device:   s.cfg.Device,
		AttnImpl: s.cfg.AttnImpl,
	}
	loadCtx := ctx
	if s.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, s.cfg.LoadTimeout)
		defer cancel()
	}

	s.log.Info("loading model", slog.String("family", spec.Family), slog.String("role", role.String()), slog.String("model", spec.Path))
	start := time.Now()
	model, err := s.loader.Load(loadCtx, spec)
	if err != nil {
		s.log.Error("model load failed", slog.String("role", role.String()), slog.String("error", err.Error()))
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		err = voiceerr.E(voiceerr.ErrModelLoad, "modelslot.load", fmt.Errorf("%s %s: %w", spec.Family, role, err))
		s.mu.Lock()
		s.failures++
		s.lastFailure = err
		s.failedRole = role
		s.failedFamily = family.Name
		s.mu.Unlock()
		return nil, err
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	s.model = model
	s.modelFamily = family.Name
	s.mu.Unlock()
	s.everLoaded.Store(true)
	s.loads.Add(1)

	attrs := metric.WithAttributes(attribute.String("role", role.String()), attribute.String("family", spec.Family))
	if s.loadCount != nil {
		s.loadCount.Add(ctx, 1, attrs)
	}
	if s.loadTime != nil {
		s.loadTime.Record(ctx, elapsed.Seconds(), attrs)
	}
	s.log.Info("model loaded", slog.String("role", role.String()), slog.Duration("elapsed", elapsed))
	return model, nil
}

func (s *Slot) unload(model engine.Model) {
	s.mu.Lock()
	if s.model == model {
		s.model = nil
	}
	s.mu.Unlock()
	if err := model.Close(); err != nil {
		s.log.Warn("failed to close model", slog.String("role", model.Role().String()), slog.String("error", err.Error()))
	}
}

func checkpoint(family config.ModelFamily, role engine.Role) string {
	if role == engine.RoleDesign {
		return family.DesignModel
	}
	return family.SynthesisModel
}

// SelectFamily makes the family matching name the one used for the next
// load. A resident model of another family is dropped on its next use.
func (s *Slot) SelectFamily(name string) (config.ModelFamily, error) {
	family, ok := s.cfg.Family(name)
	if !ok {
		return config.ModelFamily{}, voiceerr.Errorf(voiceerr.ErrValidation, "modelslot.select", "unknown model family %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.family.Name != family.Name {
		s.log.Info("model family selected", slog.String("family", family.Name))
		s.family = family
	}
	return family, nil
}

// Role reports the role of the resident model, or 0 when unloaded.
func (s *Slot) Role() engine.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return 0
	}
	return s.model.Role()
}

// Loaded reports whether a model is resident.
func (s *Slot) Loaded() bool { return s.Role() != 0 }

// EverLoaded reports whether any load has succeeded since startup.
func (s *Slot) EverLoaded() bool { return s.everLoaded.Load() }

// LoadCount returns the number of successful loads.
func (s *Slot) LoadCount() int64 { return s.loads.Load() }

// Family returns the currently selected model family.
func (s *Slot) Family() config.ModelFamily {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// Close unloads the resident model, waiting for in-flight work to finish.
func (s *Slot) Close(ctx context.Context) error {
	if err := s.device.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.device.Release(1)
	s.mu.Lock()
	model := s.model
	s.model = nil
	s.mu.Unlock()
	if model == nil {
		return nil
	}
	return model.Close()
}
