package runtime

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// swarmServiceLabel is the label Docker Swarm stamps on every container it starts
// for a service, used to filter ListContainersOf the same way uncloud's
// ListServiceContainers filters on its own management labels.
const swarmServiceLabel = "com.docker.swarm.service.name"

// DockerRuntime implements Runtime against a Docker Engine API endpoint running in
// Swarm mode.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a Docker runtime adapter using the default client
// configuration (DOCKER_HOST / the platform default socket).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close releases the underlying client connection.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) ListServices(ctx context.Context) ([]Service, error) {
	services, err := r.client.ServiceList(ctx, dockertypes.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	out := make([]Service, 0, len(services))
	for _, s := range services {
		running, err := r.runningTasks(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, toService(s, running))
	}
	return out, nil
}

func (r *DockerRuntime) GetService(ctx context.Context, nameOrID string) (Service, bool, error) {
	s, _, err := r.client.ServiceInspectWithRaw(ctx, nameOrID, dockertypes.ServiceInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Service{}, false, nil
		}
		return Service{}, false, fmt.Errorf("get service %s: %w", nameOrID, err)
	}

	running, err := r.runningTasks(ctx, s.ID)
	if err != nil {
		return Service{}, false, err
	}
	return toService(s, running), true, nil
}

func (r *DockerRuntime) UpdateService(ctx context.Context, id string, version int, image string, replicas int) error {
	current, _, err := r.client.ServiceInspectWithRaw(ctx, id, dockertypes.ServiceInspectOptions{})
	if err != nil {
		return fmt.Errorf("update service %s: read current spec: %w", id, err)
	}

	spec := current.Spec
	spec.TaskTemplate.ContainerSpec.Image = image
	n := uint64(replicas)
	spec.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &n}}

	_, err = r.client.ServiceUpdate(ctx, id, swarm.Version{Index: uint64(version)}, spec, dockertypes.ServiceUpdateOptions{})
	if err != nil {
		if errdefs.IsConflict(err) {
			return &ServiceConflict{ServiceID: id, Err: err}
		}
		return fmt.Errorf("update service %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) Replicas(ctx context.Context, serviceID string) (Replicas, error) {
	svc, ok, err := r.GetService(ctx, serviceID)
	if err != nil {
		return Replicas{}, err
	}
	if !ok {
		return Replicas{}, nil
	}
	return svc.Replicas, nil
}

func (r *DockerRuntime) ListContainersOf(ctx context.Context, serviceName string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", swarmServiceLabel, serviceName)))
	containers, err := r.client.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", serviceName, err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, shortID(c.ID))
	}
	return ids, nil
}

func (r *DockerRuntime) SignalContainer(ctx context.Context, id, signal string) error {
	if err := r.client.ContainerKill(ctx, id, signal); err != nil {
		if errdefs.IsNotFound(err) {
			// Already gone: best-effort signalling tolerates this (spec.md §4.F/§7).
			return nil
		}
		return fmt.Errorf("signal container %s with %s: %w", id, signal, err)
	}
	return nil
}

func (r *DockerRuntime) runningTasks(ctx context.Context, serviceID string) (int, error) {
	args := filters.NewArgs(
		filters.Arg("service", serviceID),
		filters.Arg("desired-state", "running"),
	)
	tasks, err := r.client.TaskList(ctx, dockertypes.TaskListOptions{Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list tasks of service %s: %w", serviceID, err)
	}

	running := 0
	for _, t := range tasks {
		if t.Status.State == swarm.TaskStateRunning {
			running++
		}
	}
	return running, nil
}

func toService(s swarm.Service, running int) Service {
	desired := 0
	if s.Spec.Mode.Replicated != nil && s.Spec.Mode.Replicated.Replicas != nil {
		desired = int(*s.Spec.Mode.Replicated.Replicas)
	}
	return Service{
		ID:      s.ID,
		Name:    s.Spec.Name,
		Image:   s.Spec.TaskTemplate.ContainerSpec.Image,
		Version: int(s.Version.Index),
		Replicas: Replicas{
			Running: running,
			Desired: desired,
		},
	}
}

func shortID(id string) string {
	const shortLen = 12
	if len(id) > shortLen {
		return id[:shortLen]
	}
	return id
}
