package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

const goodDigest = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// fakeDocker scripts build, push and digest confirmation outcomes.
type fakeDocker struct {
	buildErr       error
	buildStreamErr string
	pushErr        error
	pushStreamErrs int // number of pushes that fail in-stream before success
	inspectErr     error
	digest         string

	buildCalls   int
	pushCalls    int
	inspectCalls int
	builtRef     string
	pushedRef    string
}

func stream(errMsg string) io.ReadCloser {
	if errMsg == "" {
		return io.NopCloser(strings.NewReader(`{"stream":"ok"}` + "\n"))
	}
	return io.NopCloser(strings.NewReader(
		fmt.Sprintf(`{"errorDetail":{"message":%q},"error":%q}`, errMsg, errMsg) + "\n"))
}

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.buildCalls++
	if len(options.Tags) > 0 {
		f.builtRef = options.Tags[0]
	}
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}
	// Drain the context like the daemon would.
	_, _ = io.Copy(io.Discard, buildContext)
	return build.ImageBuildResponse{Body: stream(f.buildStreamErr)}, nil
}

func (f *fakeDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushCalls++
	f.pushedRef = ref
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.pushCalls <= f.pushStreamErrs {
		return stream("blob upload invalid"), nil
	}
	return stream(""), nil
}

func (f *fakeDocker) DistributionInspect(ctx context.Context, ref, encodedRegistryAuth string) (registrytypes.DistributionInspect, error) {
	f.inspectCalls++
	if f.inspectErr != nil {
		return registrytypes.DistributionInspect{}, f.inspectErr
	}
	return registrytypes.DistributionInspect{
		Descriptor: ocispec.Descriptor{Digest: digest.Digest(f.digest)},
	}, nil
}

func newTestPublisher(t *testing.T, api *fakeDocker) *DockerPublisher {
	t.Helper()
	p, err := NewDockerPublisher(api, PublisherOptions{
		Repository:  "registry.example.com/app",
		PushRetries: 3,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDockerPublisher failed: %v", err)
	}
	p.buildContext = func(sourceRef string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("fake-context")), nil
	}
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestPublishSucceeds(t *testing.T) {
	api := &fakeDocker{digest: goodDigest}
	p := newTestPublisher(t, api)

	artifact, err := p.Publish(context.Background(), "./src", "abc123")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if artifact.Digest != goodDigest {
		t.Errorf("digest = %s, want registry-confirmed digest", artifact.Digest)
	}
	if artifact.Location != "registry.example.com/app@"+goodDigest {
		t.Errorf("location = %s", artifact.Location)
	}
	if artifact.Tag != "abc123" || artifact.SourceRef != "./src" {
		t.Errorf("artifact identity wrong: %+v", artifact)
	}
	if api.builtRef != "registry.example.com/app:abc123" {
		t.Errorf("built ref = %s", api.builtRef)
	}
	if api.inspectCalls != 1 {
		t.Errorf("inspect calls = %d, want confirmed write exactly once", api.inspectCalls)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	api := &fakeDocker{digest: goodDigest}
	p := newTestPublisher(t, api)

	first, err := p.Publish(context.Background(), "./src", "abc123")
	if err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	second, err := p.Publish(context.Background(), "./src", "abc123")
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}

	if first.Digest != second.Digest {
		t.Errorf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
	if first.Location != second.Location {
		t.Errorf("locations differ: %s vs %s", first.Location, second.Location)
	}
	if api.inspectCalls != 2 {
		t.Errorf("inspect calls = %d, want each publish registry-confirmed", api.inspectCalls)
	}
}

func TestPublishBuildFailureIsPermanent(t *testing.T) {
	api := &fakeDocker{buildStreamErr: "step 3 failed: exit 1", digest: goodDigest}
	p := newTestPublisher(t, api)

	_, err := p.Publish(context.Background(), "./src", "abc123")
	if !engine.HasCode(err, engine.ErrCodeBuildFailure) {
		t.Fatalf("expected BUILD_FAILURE, got %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Error("in-stream build failure should be permanent")
	}
	if api.pushCalls != 0 {
		t.Error("push attempted after failed build")
	}
}

func TestPublishPushRetriesThenSucceeds(t *testing.T) {
	api := &fakeDocker{pushStreamErrs: 2, digest: goodDigest}
	p := newTestPublisher(t, api)

	artifact, err := p.Publish(context.Background(), "./src", "abc123")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if api.pushCalls != 3 {
		t.Errorf("push calls = %d, want 3", api.pushCalls)
	}
	if artifact.Digest != goodDigest {
		t.Errorf("digest = %s", artifact.Digest)
	}
}

func TestPublishPushExhaustsRetries(t *testing.T) {
	api := &fakeDocker{pushStreamErrs: 100, digest: goodDigest}
	p := newTestPublisher(t, api)

	_, err := p.Publish(context.Background(), "./src", "abc123")
	if !engine.HasCode(err, engine.ErrCodePushFailure) {
		t.Fatalf("expected PUSH_FAILURE, got %v", err)
	}
	if !engine.IsTransient(err) {
		t.Error("exhausted push should stay transient for outer retry policy")
	}
	if api.pushCalls != 3 {
		t.Errorf("push calls = %d, want bounded at 3", api.pushCalls)
	}
	if api.inspectCalls != 0 {
		t.Error("digest confirmed without a successful push")
	}
}

func TestPublishUnconfirmedWriteFails(t *testing.T) {
	api := &fakeDocker{digest: goodDigest, inspectErr: fmt.Errorf("manifest unknown")}
	p := newTestPublisher(t, api)

	_, err := p.Publish(context.Background(), "./src", "abc123")
	if !engine.HasCode(err, engine.ErrCodePushFailure) {
		t.Fatalf("expected PUSH_FAILURE for unconfirmed write, got %v", err)
	}
}

func TestPublishRejectsInvalidDigest(t *testing.T) {
	api := &fakeDocker{digest: "not-a-digest"}
	p := newTestPublisher(t, api)

	_, err := p.Publish(context.Background(), "./src", "abc123")
	if err == nil {
		t.Fatal("expected error for invalid digest")
	}
}

func TestPublishRequiresTag(t *testing.T) {
	p := newTestPublisher(t, &fakeDocker{digest: goodDigest})

	_, err := p.Publish(context.Background(), "./src", "")
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTarDirectoryPackagesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read tar failed: %v", err)
	}
	if !strings.Contains(string(data), "Dockerfile") {
		t.Error("Dockerfile missing from context")
	}
	if strings.Contains(string(data), ".git/HEAD") {
		t.Error("VCS metadata leaked into context")
	}
}

func TestTarDirectoryRejectsNonDirectory(t *testing.T) {
	if _, err := tarDirectory(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing context")
	}
}
