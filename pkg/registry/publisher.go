// Package registry implements the artifact publisher: it builds a container
// image from a source ref, pushes it, and resolves the registry-confirmed
// content digest. Artifacts are immutable; a published reference is never
// mutated, new builds get new digests.
package registry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// dockerAPI is the subset of the Docker client the publisher uses.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	DistributionInspect(ctx context.Context, ref, encodedRegistryAuth string) (registrytypes.DistributionInspect, error)
}

// PublisherOptions configures the Docker publisher.
type PublisherOptions struct {
	// Repository is the target repository, e.g. "registry.example.com/app".
	Repository string

	// Dockerfile is the Dockerfile path inside the build context.
	Dockerfile string

	// Auth authenticates pushes and digest lookups.
	Auth registrytypes.AuthConfig

	// PushRetries bounds retries of a failed push before giving up.
	PushRetries int

	// RetryDelay is the pause between push attempts.
	RetryDelay time.Duration

	// OnRetry is called once per retried push attempt. Optional.
	OnRetry func()
}

// DockerPublisher implements engine.Publisher with a local Docker daemon
// build and a registry push. The returned artifact carries the digest the
// registry acknowledged, not the locally computed one, so the location is
// valid only after the confirmed write.
type DockerPublisher struct {
	api    dockerAPI
	opts   PublisherOptions
	logger zerolog.Logger
	now    func() time.Time

	// buildContext packages a source ref into a tar stream for the daemon.
	buildContext func(sourceRef string) (io.ReadCloser, error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDockerPublisher creates a publisher on top of a Docker client.
func NewDockerPublisher(api dockerAPI, opts PublisherOptions, logger zerolog.Logger) (*DockerPublisher, error) {
	if opts.Repository == "" {
		return nil, fmt.Errorf("repository is required")
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile"
	}
	if opts.PushRetries <= 0 {
		opts.PushRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &DockerPublisher{
		api:          api,
		opts:         opts,
		logger:       logger.With().Str("component", "publisher").Logger(),
		now:          time.Now,
		buildContext: tarDirectory,
		sleep:        sleepCtx,
	}, nil
}

// Publish implements engine.Publisher.
func (p *DockerPublisher) Publish(ctx context.Context, sourceRef, tag string) (*engine.Artifact, error) {
	if tag == "" {
		return nil, engine.NewPermanentError("artifact tag is required", nil).
			WithCode(engine.ErrCodeValidation).WithOperation("publish")
	}
	ref := p.opts.Repository + ":" + tag

	if err := p.build(ctx, sourceRef, ref); err != nil {
		return nil, err
	}
	if err := p.push(ctx, ref); err != nil {
		return nil, err
	}

	dgst, err := p.confirmDigest(ctx, ref)
	if err != nil {
		return nil, err
	}

	artifact := &engine.Artifact{
		SourceRef:   sourceRef,
		Tag:         tag,
		Digest:      dgst.String(),
		Location:    p.opts.Repository + "@" + dgst.String(),
		PublishedAt: p.now(),
	}
	p.logger.Info().Str("location", artifact.Location).Msg("artifact published")
	return artifact, nil
}

func (p *DockerPublisher) build(ctx context.Context, sourceRef, ref string) error {
	buildCtx, err := p.buildContext(sourceRef)
	if err != nil {
		return engine.NewPermanentError("could not package build context", err).
			WithCode(engine.ErrCodeBuildFailure).WithOperation("build")
	}
	defer buildCtx.Close()

	resp, err := p.api.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: p.opts.Dockerfile,
		Remove:     true,
		Labels: map[string]string{
			"io.stagecoach.source-ref": sourceRef,
		},
	})
	if err != nil {
		return engine.NewTransientError("image build could not start", err).
			WithCode(engine.ErrCodeBuildFailure).WithOperation("build")
	}
	defer resp.Body.Close()

	// Compile and step failures arrive inside the stream, not as an API
	// error; they are permanent, not worth retrying.
	if err := drainJSONStream(resp.Body); err != nil {
		return engine.NewPermanentError("image build failed", err).
			WithCode(engine.ErrCodeBuildFailure).WithOperation("build")
	}
	return nil
}

func (p *DockerPublisher) push(ctx context.Context, ref string) error {
	encodedAuth, err := registrytypes.EncodeAuthConfig(p.opts.Auth)
	if err != nil {
		return engine.NewPermanentError("could not encode registry auth", err).
			WithCode(engine.ErrCodePushFailure).WithOperation("push")
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.PushRetries; attempt++ {
		if attempt > 0 {
			if p.opts.OnRetry != nil {
				p.opts.OnRetry()
			}
			p.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Str("ref", ref).Msg("retrying push")
			if err := p.sleep(ctx, p.opts.RetryDelay); err != nil {
				return engine.NewPermanentError("push cancelled", err).
					WithCode(engine.ErrCodeCancelled).WithOperation("push")
			}
		}

		body, err := p.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encodedAuth})
		if err != nil {
			lastErr = err
			continue
		}
		err = drainJSONStream(body)
		_ = body.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return engine.NewTransientError(
		fmt.Sprintf("push failed after %d attempts", p.opts.PushRetries), lastErr).
		WithCode(engine.ErrCodePushFailure).WithOperation("push")
}

// confirmDigest asks the registry for the manifest descriptor, which is the
// confirmed-write acknowledgment the artifact location is derived from.
func (p *DockerPublisher) confirmDigest(ctx context.Context, ref string) (digest.Digest, error) {
	encodedAuth, err := registrytypes.EncodeAuthConfig(p.opts.Auth)
	if err != nil {
		return "", engine.NewPermanentError("could not encode registry auth", err).
			WithCode(engine.ErrCodePushFailure).WithOperation("confirm")
	}

	inspect, err := p.api.DistributionInspect(ctx, ref, encodedAuth)
	if err != nil {
		return "", engine.NewTransientError("registry did not confirm the write", err).
			WithCode(engine.ErrCodePushFailure).WithOperation("confirm")
	}

	dgst := inspect.Descriptor.Digest
	if err := dgst.Validate(); err != nil {
		return "", engine.NewPermanentError("registry returned an invalid digest", err).
			WithCode(engine.ErrCodePushFailure).WithOperation("confirm")
	}
	return dgst, nil
}

// drainJSONStream consumes a daemon JSON message stream and surfaces any
// in-stream error.
func drainJSONStream(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, nil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
