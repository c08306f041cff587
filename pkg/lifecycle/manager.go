// Package lifecycle starts the gateway's long-lived resources in dependency
// order and stops them in reverse.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds a single resource's Stop when the caller's context
// has no tighter deadline.
const DefaultStopTimeout = 10 * time.Second

// Resource represents any component that needs lifecycle management
type Resource interface {
	// Name returns a unique identifier for the resource
	Name() string
	// Start initializes the resource
	Start(ctx context.Context) error
	// Stop gracefully shuts down the resource
	Stop(ctx context.Context) error
}

// Func adapts a pair of functions to Resource. Either function may be nil.
type Func struct {
	ResourceName string
	OnStart      func(ctx context.Context) error
	OnStop       func(ctx context.Context) error
}

func (f Func) Name() string { return f.ResourceName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

// Manager provides centralized lifecycle management for all resources
type Manager struct {
	resources    map[string]Resource
	dependencies map[string][]string // resource -> dependencies
	order        []string            // registration order, keeps startup deterministic
	started      []string
	mu           sync.Mutex
	log          *zap.Logger
}

// NewManager creates a new lifecycle manager
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		resources:    make(map[string]Resource),
		dependencies: make(map[string][]string),
		log:          log.With(zap.String("module", "lifecycle")),
	}
}

// Register adds a resource to the manager with optional dependencies
func (m *Manager) Register(resource Resource, dependencies ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := resource.Name()
	if _, exists := m.resources[name]; exists {
		return fmt.Errorf("resource %s already registered", name)
	}

	m.resources[name] = resource
	m.dependencies[name] = dependencies
	m.order = append(m.order, name)
	return nil
}

// Start launches all resources in dependency order. When one fails, the
// resources already started are stopped again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.resolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}

	for _, name := range order {
		m.log.Info("Starting resource", zap.String("resource", name))
		if err := m.resources[name].Start(ctx); err != nil {
			m.log.Error("Failed to start resource", zap.String("resource", name), zap.Error(err))
			m.stopStarted(context.Background())
			return fmt.Errorf("failed to start resource %s: %w", name, err)
		}
		m.started = append(m.started, name)
	}

	m.log.Info("All resources started", zap.Int("count", len(order)))
	return nil
}

// Stop shuts the started resources down in reverse order. Stop errors are
// logged and the first one is returned after every resource has been asked to
// stop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var first error
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		m.log.Info("Stopping resource", zap.String("resource", name))

		stopCtx, cancel := context.WithTimeout(ctx, DefaultStopTimeout)
		if err := m.resources[name].Stop(stopCtx); err != nil {
			m.log.Error("Failed to stop resource", zap.String("resource", name), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("failed to stop resource %s: %w", name, err)
			}
		}
		cancel()
	}
	m.started = nil
	return first
}

// resolveDependencies returns resources in startup order
func (m *Manager) resolveDependencies() ([]string, error) {
	var order []string
	visited := make(map[string]bool)
	temp := make(map[string]bool)

	var visit func(string) error
	visit = func(name string) error {
		if temp[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		temp[name] = true
		for _, dep := range m.dependencies[name] {
			if _, exists := m.resources[dep]; !exists {
				return fmt.Errorf("dependency %s not found for resource %s", dep, name)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		temp[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range m.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}
