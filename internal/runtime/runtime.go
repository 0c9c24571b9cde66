// Package runtime defines the capability surface Umpire needs from a container
// orchestrator: listing/inspecting replicated services, updating replica counts
// under optimistic concurrency, and listing/signalling the containers backing a
// service. Adapted from the teacher's pkg/runtime adapter shape (New*Runtime,
// context-scoped calls, wrapped errors) but re-pointed at services/replicas
// instead of single containerd tasks.
package runtime

import (
	"context"
	"fmt"
)

// Signal names used by the abort protocol (spec.md §4.B, §4.F).
const (
	SIGQUIT = "SIGQUIT" // worker: initiate graceful shutdown
	SIGKILL = "SIGKILL" // app container: immediate termination
)

// Replicas is a service's running vs. desired replica count.
type Replicas struct {
	Running int
	Desired int
}

// Service describes a replicated service in the orchestrator.
type Service struct {
	ID      string
	Name    string
	Image   string
	Version int // optimistic-concurrency version index, required by UpdateService
	Replicas
}

// Runtime is the capability surface Umpire needs from the container orchestrator.
type Runtime interface {
	// ListServices lists every service known to the orchestrator.
	ListServices(ctx context.Context) ([]Service, error)
	// GetService resolves a service by name or ID. Returns (Service{}, false, nil)
	// if no such service exists.
	GetService(ctx context.Context, nameOrID string) (Service, bool, error)
	// UpdateService sets a service's replica count, supplying the version index the
	// caller last observed. Fails with ServiceConflict if version is stale; the
	// caller should re-read the service and retry once.
	UpdateService(ctx context.Context, id string, version int, image string, replicas int) error
	// Replicas resolves a service's current running/desired replica counts.
	Replicas(ctx context.Context, serviceID string) (Replicas, error)
	// ListContainersOf lists the (short) container IDs backing a service.
	ListContainersOf(ctx context.Context, serviceName string) ([]string, error)
	// SignalContainer sends signal (SIGQUIT or SIGKILL) to a container.
	SignalContainer(ctx context.Context, id, signal string) error
}

// ServiceConflict is returned by UpdateService when the supplied version index no
// longer matches the orchestrator's view of the service (optimistic-concurrency
// failure); the caller must re-read the service and may retry once.
type ServiceConflict struct {
	ServiceID string
	Err       error
}

func (e *ServiceConflict) Error() string {
	return fmt.Sprintf("service %s update conflict: %v", e.ServiceID, e.Err)
}
func (e *ServiceConflict) Unwrap() error { return e.Err }
