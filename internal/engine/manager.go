// Package engine runs one detection pipeline per protected resource and
// exposes the hot-path lookups the mitigation middleware needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/arbitrator"
	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/detection"
	"github.com/nshruti113/dos-protect/internal/mitigation"
	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/protect"
	"github.com/nshruti113/dos-protect/internal/sampler"
)

var (
	ErrAlreadyProtected = errors.New("resource already protected")
	ErrNotProtected     = errors.New("resource not protected")
	ErrStopped          = errors.New("engine stopped")
)

// Deps are the collaborators shared by all pipelines.
type Deps struct {
	Emitter EventEmitter
	// Store is optional; without it every replica learns on its own.
	Store      arbitrator.Store
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Replica is reported as unit_hostname and used as baseline origin.
	Replica string
	// Objects resolves the policies and log configurations bindings name.
	// An empty registry is used when nil.
	Objects *protect.Registry
}

// Manager owns the pipelines of one replica.
type Manager struct {
	cfg        *config.Config
	deps       Deps
	logger     *zap.Logger
	metrics    *Metrics
	arena      *sampler.Arena
	controller *mitigation.Controller

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	pipelines map[models.ResourceID]*pipeline
	hosts     map[string]models.ResourceID
	bindings  map[models.ResourceID]protect.DosProtectedResource
	stopped   bool
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Objects == nil {
		deps.Objects = protect.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With(zap.String("mod", "engine"), zap.String("replica", deps.Replica)),
		metrics:    NewMetrics(deps.Registerer),
		arena:      sampler.NewArena(cfg.Detection.MaxSources, cfg.Detection.MaxSignatures),
		controller: mitigation.NewController(),
		ctx:        ctx,
		cancel:     cancel,
		pipelines:  make(map[models.ResourceID]*pipeline),
		hosts:      make(map[string]models.ResourceID),
		bindings:   make(map[models.ResourceID]protect.DosProtectedResource),
	}
}

// Start follows arbitrator announcements when the store provides them.
func (m *Manager) Start() {
	n, ok := m.deps.Store.(arbitrator.Notifier)
	if !ok {
		return
	}
	ch, err := n.Subscribe(m.ctx)
	if err != nil {
		m.logger.Warn("baseline notifications unavailable, relying on periodic sync", zap.Error(err))
		return
	}
	go func() {
		for id := range ch {
			m.mu.RLock()
			p, ok := m.pipelines[id]
			m.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
	}()
}

// Stop unprotects every resource.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	ids := make([]models.ResourceID, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Unprotect(ctx, id); err != nil && !errors.Is(err, ErrNotProtected) {
			m.logger.Warn("unprotect on shutdown failed", zap.Stringer("resource", id), zap.Error(err))
		}
	}
	m.cancel()
}

// Objects is the registry Protect resolves policy and log configuration
// references against.
func (m *Manager) Objects() *protect.Registry {
	return m.deps.Objects
}

// Protect validates the binding and starts its pipeline. An invalid binding,
// or one naming a missing or malformed policy or log configuration, fails
// closed: nothing is instantiated and the error is returned.
func (m *Manager) Protect(ctx context.Context, res protect.DosProtectedResource) error {
	if err := protect.Validate(&res); err != nil {
		return err
	}
	if err := m.deps.Objects.Resolve(&res); err != nil {
		return err
	}
	id := res.ResourceID()
	if !res.Spec.Enable {
		m.logger.Info("protection disabled", zap.Stringer("resource", id))
		return nil
	}

	signatures, err := detection.NewSignatureDetector(m.cfg.Signature)
	if err != nil {
		return fmt.Errorf("protect %s: %w", id, err)
	}

	m.mu.RLock()
	_, exists := m.pipelines[id]
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if exists {
		return fmt.Errorf("protect %s: %w", id, ErrAlreadyProtected)
	}

	logger := m.logger.With(zap.String("vs_name", id.String()))
	p := &pipeline{
		id:         id,
		host:       res.Host(),
		replica:    m.deps.Replica,
		cfg:        m.cfg,
		learner:    detection.NewLearner(m.cfg.Learning, id, m.deps.Replica),
		classifier: detection.NewClassifier(m.cfg.Detection),
		badActors:  detection.NewBadActorDetector(m.cfg.BadActor),
		signatures: signatures,
		controller: m.controller,
		emitter:    m.deps.Emitter,
		store:      m.deps.Store,
		metrics:    m.metrics,
		logger:     logger,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	// pull before traffic is routed so a late replica starts from the shared baseline
	if p.store != nil {
		if err := p.store.Attach(ctx, id, m.deps.Replica); err != nil {
			logger.Warn("arbitrator attach failed", zap.Error(err))
		}
		p.pull(ctx)
	}

	p.status.Store(&Status{
		Resource:  id,
		Host:      p.host,
		State:     models.NoAttack,
		Baseline:  p.learner.Snapshot(),
		UpdatedAt: time.Now(),
	})

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		// Stop has already detached every registered pipeline
		if p.store != nil {
			if err := p.store.Detach(context.WithoutCancel(ctx), id, m.deps.Replica); err != nil {
				logger.Warn("arbitrator detach failed", zap.Error(err))
			}
		}
		return ErrStopped
	}
	if _, ok := m.pipelines[id]; ok {
		m.mu.Unlock()
		// the winning pipeline holds the same replica attachment
		return fmt.Errorf("protect %s: %w", id, ErrAlreadyProtected)
	}
	p.sampler = m.arena.Acquire(id, time.Now())
	m.controller.Register(id)
	m.pipelines[id] = p
	m.bindings[id] = res
	if p.host != "" {
		m.hosts[p.host] = id
	}
	pctx, cancel := context.WithCancel(m.ctx)
	p.cancel = cancel
	m.mu.Unlock()

	m.metrics.Pipelines.Inc()
	logger.Info("resource protected",
		zap.String("host", p.host),
		zap.String("learning_confidence", string(p.learner.Confidence())))

	go p.run(pctx)
	return nil
}

// Unprotect stops the pipeline of id and waits for it. Windows in flight are
// discarded and no event is emitted for id afterwards.
func (m *Manager) Unprotect(ctx context.Context, id models.ResourceID) error {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unprotect %s: %w", id, ErrNotProtected)
	}
	delete(m.pipelines, id)
	delete(m.bindings, id)
	if p.host != "" && m.hosts[p.host] == id {
		delete(m.hosts, p.host)
	}
	m.mu.Unlock()

	p.cancel()
	<-p.done

	m.arena.Release(id)
	m.controller.Unregister(id)
	m.metrics.Pipelines.Dec()
	m.metrics.forget(id.String())

	if p.store != nil {
		if err := p.store.Detach(ctx, id, m.deps.Replica); err != nil {
			p.logger.Warn("arbitrator detach failed", zap.Error(err))
		}
	}
	p.logger.Info("resource unprotected")
	return nil
}

// Observe feeds one request to the sampler of id.
func (m *Manager) Observe(id models.ResourceID, req models.TrafficRequest) {
	m.arena.Observe(id, req)
}

func (m *Manager) Decide(id models.ResourceID, ip string) models.Disposition {
	return m.controller.Decide(id, ip)
}

// ResourceForHost resolves the protected resource monitored under host.
func (m *Manager) ResourceForHost(host string) (models.ResourceID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hosts[strings.ToLower(host)]
	return id, ok
}

// Status returns the latest window view of id.
func (m *Manager) Status(id models.ResourceID) (Status, bool) {
	m.mu.RLock()
	p, ok := m.pipelines[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return *p.status.Load(), true
}

// Resources lists the protected resources ordered by name.
func (m *Manager) Resources() []models.ResourceID {
	m.mu.RLock()
	ids := make([]models.ResourceID, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Binding returns the binding id was protected with.
func (m *Manager) Binding(id models.ResourceID) (protect.DosProtectedResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	return b, ok
}

var _ mitigation.Enforcer = (*Manager)(nil)
