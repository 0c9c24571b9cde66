// Package snapshot assembles a per-tick, immutable view of service replica
// counts, used by the scalers within a single heartbeat.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/umpire/internal/runtime"
)

// Snapshot is a point-in-time view of every known service, taken once at the
// top of a tick and never mutated afterward.
type Snapshot struct {
	// Services maps service name -> replica counts, for every service in the
	// orchestrator.
	Services map[string]runtime.Replicas
	// ServiceIDs maps service name -> service ID, for scaler updates.
	ServiceIDs map[string]string
	// Versions maps service name -> current version index, for optimistic
	// concurrency updates.
	Versions map[string]int
	// RunningApps is the subset of Services whose name carries appPrefix.
	RunningApps map[string]runtime.Replicas
}

// Build lists every service known to rt and partitions them into the full
// service map and the app-prefixed subset, in one pass. Never shared across
// ticks.
func Build(ctx context.Context, rt runtime.Runtime, appPrefix string) (*Snapshot, error) {
	services, err := rt.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	snap := &Snapshot{
		Services:    make(map[string]runtime.Replicas, len(services)),
		ServiceIDs:  make(map[string]string, len(services)),
		Versions:    make(map[string]int, len(services)),
		RunningApps: make(map[string]runtime.Replicas),
	}

	prefix := appPrefix + "_"
	for _, s := range services {
		snap.Services[s.Name] = s.Replicas
		snap.ServiceIDs[s.Name] = s.ID
		snap.Versions[s.Name] = s.Version
		if strings.HasPrefix(s.Name, prefix) {
			snap.RunningApps[s.Name] = s.Replicas
		}
	}
	return snap, nil
}

// Worker returns the replica count for name, defaulting to a zero value if the
// service doesn't exist yet (e.g. before the first scale-up).
func (s *Snapshot) Worker(name string) runtime.Replicas {
	return s.Services[name]
}
