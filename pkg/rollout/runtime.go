// Package rollout drives workload updates against a Docker daemon: rolling
// container replacement, health polling and current-artifact discovery.
package rollout

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// containerAPI is the subset of the Docker client the runtime uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, ref string) (image.InspectResponse, []byte, error)
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
}

// RuntimeOptions configures the Docker runtime.
type RuntimeOptions struct {
	// RegistryAuth is the base64 auth string for pulls, if the registry is
	// private.
	RegistryAuth string

	// StopTimeoutSeconds bounds graceful shutdown of the old container.
	StopTimeoutSeconds int

	// Ports publishes workload ports on the first rollout, in Docker port
	// spec form ("8080:80", "127.0.0.1:9000:9000/tcp"). Later rollouts
	// carry the running container's bindings instead.
	Ports []string
}

// DockerRuntime implements engine.Runtime by recreating the workload's
// container on the new artifact. The workload ref is the container name; the
// rollout ID is the replacement container's ID.
type DockerRuntime struct {
	api    containerAPI
	opts   RuntimeOptions
	logger zerolog.Logger
}

// NewDockerRuntime creates a runtime on top of a Docker client.
func NewDockerRuntime(api containerAPI, opts RuntimeOptions, logger zerolog.Logger) *DockerRuntime {
	if opts.StopTimeoutSeconds <= 0 {
		opts.StopTimeoutSeconds = 30
	}
	return &DockerRuntime{
		api:    api,
		opts:   opts,
		logger: logger.With().Str("component", "runtime").Logger(),
	}
}

// UpdateService implements engine.Runtime. The existing container's config
// is carried over so a rollback replays cleanly with just the image swapped.
func (r *DockerRuntime) UpdateService(ctx context.Context, workloadRef string, artifact *engine.Artifact) (string, error) {
	if artifact == nil || artifact.Location == "" {
		return "", engine.NewPermanentError("artifact has no confirmed location", nil).
			WithCode(engine.ErrCodeValidation).WithOperation("rollout")
	}

	if err := r.pull(ctx, artifact.Location); err != nil {
		return "", err
	}

	config := &container.Config{
		Image: artifact.Location,
		Labels: map[string]string{
			"io.stagecoach.workload": workloadRef,
			"io.stagecoach.digest":   artifact.Digest,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if len(r.opts.Ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(r.opts.Ports)
		if err != nil {
			return "", engine.NewPermanentError("invalid port spec", err).
				WithCode(engine.ErrCodeValidation).WithOperation("rollout")
		}
		config.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	existing, err := r.api.ContainerInspect(ctx, workloadRef)
	switch {
	case err == nil:
		if existing.Config != nil {
			carried := *existing.Config
			carried.Image = artifact.Location
			for k, v := range config.Labels {
				if carried.Labels == nil {
					carried.Labels = map[string]string{}
				}
				carried.Labels[k] = v
			}
			config = &carried
		}
		if existing.HostConfig != nil {
			hostConfig = existing.HostConfig
		}

		timeout := r.opts.StopTimeoutSeconds
		if err := r.api.ContainerStop(ctx, existing.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			return "", engine.NewTransientError("could not stop old container", err).
				WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
		}
		if err := r.api.ContainerRemove(ctx, existing.ID, container.RemoveOptions{}); err != nil {
			return "", engine.NewTransientError("could not remove old container", err).
				WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
		}
	case errdefs.IsNotFound(err):
		// First rollout for this workload.
	default:
		return "", engine.NewTransientError("could not inspect workload", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
	}

	created, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, workloadRef)
	if err != nil {
		return "", engine.NewTransientError("could not create container", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
	}
	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", engine.NewTransientError("could not start container", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
	}

	r.logger.Info().Str("workload", workloadRef).
		Str("container", created.ID).
		Str("digest", artifact.Digest).
		Msg("workload updated")
	return created.ID, nil
}

// Health implements engine.Runtime. A container without a configured health
// check reports healthy while running.
func (r *DockerRuntime) Health(ctx context.Context, rolloutID string) (engine.HealthStatus, error) {
	inspect, err := r.api.ContainerInspect(ctx, rolloutID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return engine.HealthUnknown, engine.NewTransientError("rollout container missing", err).
				WithCode(engine.ErrCodeWorkloadUnavailable)
		}
		return engine.HealthUnknown, engine.NewTransientError("could not inspect rollout", err).
			WithCode(engine.ErrCodeWorkloadUnavailable)
	}
	if inspect.State == nil {
		return engine.HealthUnknown, nil
	}

	if inspect.State.Health != nil {
		switch inspect.State.Health.Status {
		case container.Healthy:
			return engine.HealthHealthy, nil
		case container.Unhealthy:
			return engine.HealthUnhealthy, nil
		case container.Starting:
			return engine.HealthStarting, nil
		default:
			return engine.HealthUnknown, nil
		}
	}

	if inspect.State.Running && !inspect.State.Restarting {
		return engine.HealthHealthy, nil
	}
	return engine.HealthUnhealthy, nil
}

// CurrentArtifact implements engine.Runtime. The digest comes from the
// image's repo digests, so it matches what the registry served.
func (r *DockerRuntime) CurrentArtifact(ctx context.Context, workloadRef string) (*engine.Artifact, error) {
	inspect, err := r.api.ContainerInspect(ctx, workloadRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, engine.NewTransientError("could not inspect workload", err).
			WithCode(engine.ErrCodeWorkloadUnavailable)
	}
	if inspect.Config == nil {
		return nil, nil
	}

	img, _, err := r.api.ImageInspectWithRaw(ctx, inspect.Image)
	if err != nil {
		return nil, engine.NewTransientError("could not inspect workload image", err).
			WithCode(engine.ErrCodeWorkloadUnavailable)
	}
	if len(img.RepoDigests) == 0 {
		// Locally built, never pushed; nothing addressable to roll back to.
		return nil, nil
	}

	repo, dgst, ok := strings.Cut(img.RepoDigests[0], "@")
	if !ok {
		return nil, fmt.Errorf("malformed repo digest: %s", img.RepoDigests[0])
	}
	return &engine.Artifact{
		Tag:      inspect.Config.Image,
		Digest:   dgst,
		Location: repo + "@" + dgst,
	}, nil
}

func (r *DockerRuntime) pull(ctx context.Context, ref string) error {
	body, err := r.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: r.opts.RegistryAuth})
	if err != nil {
		return engine.NewTransientError("could not pull artifact", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
	}
	defer body.Close()
	if _, err := io.Copy(io.Discard, body); err != nil {
		return engine.NewTransientError("artifact pull interrupted", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("rollout")
	}
	return nil
}
