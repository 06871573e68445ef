package rollout

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// applierAPI is the subset of the Docker client the applier uses.
type applierAPI interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// DockerApplier implements engine.StageApplier for Docker-level resources:
// node type "docker.network" materializes as a network, "docker.volume" as
// a volume. Networks and volumes cannot be mutated in place, so update and
// recreate both replace the resource.
type DockerApplier struct {
	api    applierAPI
	logger zerolog.Logger
}

// NewDockerApplier creates an applier on top of a Docker client.
func NewDockerApplier(api applierAPI, logger zerolog.Logger) *DockerApplier {
	return &DockerApplier{
		api:    api,
		logger: logger.With().Str("component", "applier").Logger(),
	}
}

// ApplyNode implements engine.StageApplier.
func (a *DockerApplier) ApplyNode(ctx context.Context, stage engine.StageName, diff engine.NodeDiff) error {
	log := a.logger.With().
		Str("stage", string(stage)).
		Str("node", diff.Name).
		Str("action", string(diff.Action)).Logger()

	switch diff.Type {
	case "docker.network":
		return a.applyNetwork(ctx, stage, diff, log)
	case "docker.volume":
		return a.applyVolume(ctx, stage, diff, log)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("no applier for resource type %q", diff.Type), nil).
			WithCode(engine.ErrCodeValidation).WithStage(stage).WithNode(diff.Name)
	}
}

func (a *DockerApplier) applyNetwork(ctx context.Context, stage engine.StageName, diff engine.NodeDiff, log zerolog.Logger) error {
	switch diff.Action {
	case engine.ActionDestroy:
		if err := a.api.NetworkRemove(ctx, diff.Name); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove network %s: %w", diff.Name, err)
		}
		log.Info().Msg("network removed")
		return nil

	case engine.ActionCreate, engine.ActionUpdate, engine.ActionRecreate:
		existing, err := a.api.NetworkInspect(ctx, diff.Name, network.InspectOptions{})
		switch {
		case err == nil && diff.Action == engine.ActionCreate:
			// Already there; create is idempotent.
			return nil
		case err == nil:
			if err := a.api.NetworkRemove(ctx, existing.ID); err != nil {
				return fmt.Errorf("failed to remove network %s for replacement: %w", diff.Name, err)
			}
		case !errdefs.IsNotFound(err):
			return fmt.Errorf("failed to inspect network %s: %w", diff.Name, err)
		}

		driver, _ := attr(diff, "driver").(string)
		if driver == "" {
			driver = "bridge"
		}
		_, err = a.api.NetworkCreate(ctx, diff.Name, network.CreateOptions{
			Driver: driver,
			Labels: stageLabels(stage),
		})
		if err != nil {
			return fmt.Errorf("failed to create network %s: %w", diff.Name, err)
		}
		log.Info().Str("driver", driver).Msg("network created")
		return nil

	default:
		return nil
	}
}

func (a *DockerApplier) applyVolume(ctx context.Context, stage engine.StageName, diff engine.NodeDiff, log zerolog.Logger) error {
	switch diff.Action {
	case engine.ActionDestroy:
		if err := a.api.VolumeRemove(ctx, diff.Name, false); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove volume %s: %w", diff.Name, err)
		}
		log.Info().Msg("volume removed")
		return nil

	case engine.ActionCreate, engine.ActionUpdate, engine.ActionRecreate:
		_, err := a.api.VolumeInspect(ctx, diff.Name)
		switch {
		case err == nil && diff.Action == engine.ActionCreate:
			return nil
		case err == nil:
			if err := a.api.VolumeRemove(ctx, diff.Name, true); err != nil {
				return fmt.Errorf("failed to remove volume %s for replacement: %w", diff.Name, err)
			}
		case !errdefs.IsNotFound(err):
			return fmt.Errorf("failed to inspect volume %s: %w", diff.Name, err)
		}

		driver, _ := attr(diff, "driver").(string)
		if driver == "" {
			driver = "local"
		}
		_, err = a.api.VolumeCreate(ctx, volume.CreateOptions{
			Name:   diff.Name,
			Driver: driver,
			Labels: stageLabels(stage),
		})
		if err != nil {
			return fmt.Errorf("failed to create volume %s: %w", diff.Name, err)
		}
		log.Info().Str("driver", driver).Msg("volume created")
		return nil

	default:
		return nil
	}
}

// attr reads a desired attribute from the diff.
func attr(diff engine.NodeDiff, key string) interface{} {
	if diff.Desired == nil {
		return nil
	}
	return diff.Desired[key]
}

func stageLabels(stage engine.StageName) map[string]string {
	return map[string]string{
		"stagecoach.managed": "true",
		"stagecoach.stage":   string(stage),
	}
}
