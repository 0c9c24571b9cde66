// Package runtimetest provides an in-memory Runtime fake used by scaler, healer,
// control and supervisor tests.
package runtimetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/umpire/internal/runtime"
)

type container struct {
	id     string
	signal string
}

type service struct {
	runtime.Service
	containers []container
}

// Memory is an in-memory Runtime implementation safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	services map[string]*service // keyed by ID
	Ops      []string            // operation log, e.g. "update:id:replicas", for assertions
}

// NewMemory creates an empty in-memory runtime.
func NewMemory() *Memory {
	return &Memory{services: make(map[string]*service)}
}

func (m *Memory) log(op string) {
	m.Ops = append(m.Ops, op)
}

// Seed registers a service with the given running container count, each
// container ID derived deterministically from the service ID.
func (m *Memory) Seed(id, name, image string, version, running, desired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &service{Service: runtime.Service{
		ID: id, Name: name, Image: image, Version: version,
		Replicas: runtime.Replicas{Running: running, Desired: desired},
	}}
	for i := 0; i < running; i++ {
		s.containers = append(s.containers, container{id: fmt.Sprintf("%s-c%d", id, i)})
	}
	m.services[id] = s
}

func (m *Memory) ListServices(_ context.Context) ([]runtime.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runtime.Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s.Service)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetService(_ context.Context, nameOrID string) (runtime.Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.services[nameOrID]; ok {
		return s.Service, true, nil
	}
	for _, s := range m.services {
		if s.Name == nameOrID {
			return s.Service, true, nil
		}
	}
	return runtime.Service{}, false, nil
}

func (m *Memory) UpdateService(_ context.Context, id string, version int, image string, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return fmt.Errorf("service %s not found", id)
	}
	if s.Version != version {
		m.log(fmt.Sprintf("update:%s:conflict", id))
		return &runtime.ServiceConflict{ServiceID: id, Err: fmt.Errorf("have version %d, want %d", s.Version, version)}
	}

	s.Image = image
	s.Version++
	s.Desired = replicas
	if replicas < len(s.containers) {
		s.containers = s.containers[:replicas]
	}
	for len(s.containers) < replicas {
		s.containers = append(s.containers, container{id: fmt.Sprintf("%s-c%d", id, len(s.containers))})
	}
	s.Running = len(s.containers)
	m.log(fmt.Sprintf("update:%s:replicas=%d", id, replicas))
	return nil
}

func (m *Memory) Replicas(_ context.Context, serviceID string) (runtime.Replicas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[serviceID]
	if !ok {
		return runtime.Replicas{}, nil
	}
	return s.Replicas, nil
}

func (m *Memory) ListContainersOf(_ context.Context, serviceName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if s.Name == serviceName {
			ids := make([]string, 0, len(s.containers))
			for _, c := range s.containers {
				ids = append(ids, c.id)
			}
			return ids, nil
		}
	}
	return nil, nil
}

func (m *Memory) SignalContainer(_ context.Context, id, signal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log(fmt.Sprintf("signal:%s:%s", id, signal))
	for _, s := range m.services {
		for i, c := range s.containers {
			if c.id == id {
				s.containers[i].signal = signal
				return nil
			}
		}
	}
	return nil
}

// SignalsFor returns the signals (in container order) recorded for serviceName.
func (m *Memory) SignalsFor(serviceName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if s.Name == serviceName {
			var out []string
			for _, c := range s.containers {
				if c.signal != "" {
					out = append(out, c.signal)
				}
			}
			return out
		}
	}
	return nil
}
