// Package resources implements C5, the atomic checker/bookkeeper that
// combines the port pool, flavor-based memory/vCPU accounting, and the
// session cap into a single allocate/release surface, per spec.md §4.5.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/kernel-hypeman-labs/msbhost/internal/portpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Allocation is the set of resources held by one session.
type Allocation struct {
	SessionID  string
	Flavor     config.Flavor
	Port       int
	AcquiredAt time.Time
}

// Manager enforces spec.md §4.5's three invariants atomically under a
// single mutex: memory in use + requested <= total memory budget, vCPUs in
// use + requested <= total vCPU budget, and active session count < max
// sessions. A held port is a fourth de facto invariant, enforced by the
// underlying pool's own exhaustion check.
type Manager struct {
	mu sync.Mutex

	ports *portpool.Pool

	totalMemoryMiB int
	totalVCPUs     int

	usedMemoryMiB int
	usedVCPUs     int

	maxSessions int
	allocations map[string]Allocation

	metrics *metrics
	tracer  trace.Tracer
}

// New builds a Manager with totalMemoryMiB/totalVCPUs as the host-wide
// budget and maxSessions as the concurrent session cap, both drawn from
// configuration rather than live host introspection (spec.md §4.5's Open
// Question: budgets are operator-configured, not auto-detected). tracer
// may be nil, in which case Acquire runs untraced.
func New(portsLo, portsHi, totalMemoryMiB, totalVCPUs, maxSessions int, meter metric.Meter, tracer trace.Tracer) (*Manager, error) {
	m := &Manager{
		ports:          portpool.New(portsLo, portsHi),
		totalMemoryMiB: totalMemoryMiB,
		totalVCPUs:     totalVCPUs,
		maxSessions:    maxSessions,
		allocations:    make(map[string]Allocation),
		tracer:         tracer,
	}
	if meter != nil {
		mx, err := newMetrics(meter, m)
		if err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		m.metrics = mx
	}
	return m, nil
}

// Acquire checks all invariants and, only if every one holds, allocates a
// port and reserves the flavor's memory/vCPU budget for sessionID. Nothing
// is partially reserved on failure.
func (m *Manager) Acquire(ctx context.Context, sessionID string, flavor config.Flavor) (Allocation, error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "resources.Acquire")
		defer span.End()
	}

	spec, ok := config.FlavorSpecs[flavor]
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %q", errs.ErrInvalidFlavor, flavor)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[sessionID]; exists {
		return Allocation{}, fmt.Errorf("session %s already holds an allocation", sessionID)
	}
	if len(m.allocations) >= m.maxSessions {
		return Allocation{}, fmt.Errorf("%w: at session cap (%d)", errs.ErrResourceLimitExceeded, m.maxSessions)
	}
	if m.usedMemoryMiB+spec.MemoryMiB > m.totalMemoryMiB {
		return Allocation{}, fmt.Errorf("%w: memory budget exceeded", errs.ErrResourceLimitExceeded)
	}
	if m.usedVCPUs+spec.VCPUs > m.totalVCPUs {
		return Allocation{}, fmt.Errorf("%w: vCPU budget exceeded", errs.ErrResourceLimitExceeded)
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: %v", errs.ErrResourceLimitExceeded, err)
	}

	m.usedMemoryMiB += spec.MemoryMiB
	m.usedVCPUs += spec.VCPUs
	alloc := Allocation{SessionID: sessionID, Flavor: flavor, Port: port, AcquiredAt: time.Now()}
	m.allocations[sessionID] = alloc

	if m.metrics != nil {
		m.metrics.recordAcquire(ctx, flavor)
	}
	return alloc, nil
}

// Release returns sessionID's allocation, if any, to the free pool. It is
// idempotent: releasing an unknown session is a no-op, since cleanup paths
// must be safe to call more than once (spec.md §4.9's cleanup ordering).
func (m *Manager) Release(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[sessionID]
	if !ok {
		return
	}
	spec := config.FlavorSpecs[alloc.Flavor]
	m.usedMemoryMiB -= spec.MemoryMiB
	m.usedVCPUs -= spec.VCPUs
	m.ports.Release(alloc.Port)
	delete(m.allocations, sessionID)

	if m.metrics != nil {
		m.metrics.recordRelease(ctx, alloc.Flavor)
	}
}

// Lookup returns sessionID's current allocation, if it holds one.
func (m *Manager) Lookup(sessionID string) (Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[sessionID]
	return alloc, ok
}

// List returns a snapshot of every current allocation, used by the
// resource sweep (internal/cleanup) to find allocations orphaned by a
// crashed or interrupted release pipeline.
func (m *Manager) List() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	return out
}

// Stats is a snapshot of resource usage for diagnostics.
type Stats struct {
	UsedMemoryMiB   int
	TotalMemoryMiB  int
	UsedVCPUs       int
	TotalVCPUs      int
	ActiveSessions  int
	MaxSessions     int
	AllocatedPorts  int
	AvailablePorts  int
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		UsedMemoryMiB:  m.usedMemoryMiB,
		TotalMemoryMiB: m.totalMemoryMiB,
		UsedVCPUs:      m.usedVCPUs,
		TotalVCPUs:     m.totalVCPUs,
		ActiveSessions: len(m.allocations),
		MaxSessions:    m.maxSessions,
		AllocatedPorts: m.ports.AllocatedCount(),
		AvailablePorts: m.ports.AvailableCount(),
	}
}

type metrics struct {
	acquired metric.Int64Counter
	released metric.Int64Counter
}

// newMetrics registers the resource manager's instruments, following the
// teacher's observable-gauge-plus-counter pattern for manager-level stats.
func newMetrics(meter metric.Meter, m *Manager) (*metrics, error) {
	acquired, err := meter.Int64Counter(
		"msbhost_resources_acquired_total",
		metric.WithDescription("Total number of successful resource acquisitions"),
	)
	if err != nil {
		return nil, err
	}
	released, err := meter.Int64Counter(
		"msbhost_resources_released_total",
		metric.WithDescription("Total number of resource releases"),
	)
	if err != nil {
		return nil, err
	}

	memGauge, err := meter.Int64ObservableGauge(
		"msbhost_resources_memory_used_mib",
		metric.WithDescription("Memory currently reserved across active sessions"),
	)
	if err != nil {
		return nil, err
	}
	vcpuGauge, err := meter.Int64ObservableGauge(
		"msbhost_resources_vcpus_used",
		metric.WithDescription("vCPUs currently reserved across active sessions"),
	)
	if err != nil {
		return nil, err
	}
	sessionGauge, err := meter.Int64ObservableGauge(
		"msbhost_resources_active_sessions",
		metric.WithDescription("Active sessions holding a resource allocation"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats := m.Stats()
		o.ObserveInt64(memGauge, int64(stats.UsedMemoryMiB))
		o.ObserveInt64(vcpuGauge, int64(stats.UsedVCPUs))
		o.ObserveInt64(sessionGauge, int64(stats.ActiveSessions))
		return nil
	}, memGauge, vcpuGauge, sessionGauge)
	if err != nil {
		return nil, err
	}

	return &metrics{acquired: acquired, released: released}, nil
}

func (mx *metrics) recordAcquire(ctx context.Context, flavor config.Flavor) {
	mx.acquired.Add(ctx, 1, metric.WithAttributes(attribute.String("flavor", string(flavor))))
}

func (mx *metrics) recordRelease(ctx context.Context, flavor config.Flavor) {
	mx.released.Add(ctx, 1, metric.WithAttributes(attribute.String("flavor", string(flavor))))
}
