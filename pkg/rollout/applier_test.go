package rollout

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

type fakeInfra struct {
	networks map[string]network.Inspect
	volumes  map[string]volume.Volume

	networksCreated []string
	networksRemoved []string
	volumesCreated  []string
	volumesRemoved  []string
}

func newFakeInfra() *fakeInfra {
	return &fakeInfra{
		networks: make(map[string]network.Inspect),
		volumes:  make(map[string]volume.Volume),
	}
}

func (f *fakeInfra) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.networksCreated = append(f.networksCreated, name)
	f.networks[name] = network.Inspect{ID: name, Name: name, Driver: options.Driver}
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeInfra) NetworkInspect(ctx context.Context, id string, options network.InspectOptions) (network.Inspect, error) {
	n, ok := f.networks[id]
	if !ok {
		return network.Inspect{}, errdefs.NotFound(errors.New("no such network"))
	}
	return n, nil
}

func (f *fakeInfra) NetworkRemove(ctx context.Context, id string) error {
	if _, ok := f.networks[id]; !ok {
		return errdefs.NotFound(errors.New("no such network"))
	}
	delete(f.networks, id)
	f.networksRemoved = append(f.networksRemoved, id)
	return nil
}

func (f *fakeInfra) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	f.volumesCreated = append(f.volumesCreated, options.Name)
	v := volume.Volume{Name: options.Name, Driver: options.Driver}
	f.volumes[options.Name] = v
	return v, nil
}

func (f *fakeInfra) VolumeInspect(ctx context.Context, id string) (volume.Volume, error) {
	v, ok := f.volumes[id]
	if !ok {
		return volume.Volume{}, errdefs.NotFound(errors.New("no such volume"))
	}
	return v, nil
}

func (f *fakeInfra) VolumeRemove(ctx context.Context, id string, force bool) error {
	if _, ok := f.volumes[id]; !ok {
		return errdefs.NotFound(errors.New("no such volume"))
	}
	delete(f.volumes, id)
	f.volumesRemoved = append(f.volumesRemoved, id)
	return nil
}

func TestApplierCreatesNetwork(t *testing.T) {
	infra := newFakeInfra()
	a := NewDockerApplier(infra, zerolog.Nop())

	err := a.ApplyNode(context.Background(), engine.StageSetup, engine.NodeDiff{
		Name:    "app-net",
		Type:    "docker.network",
		Action:  engine.ActionCreate,
		Desired: map[string]interface{}{"driver": "overlay"},
	})
	if err != nil {
		t.Fatalf("ApplyNode failed: %v", err)
	}
	if infra.networks["app-net"].Driver != "overlay" {
		t.Errorf("network = %+v", infra.networks["app-net"])
	}
}

func TestApplierCreateIsIdempotent(t *testing.T) {
	infra := newFakeInfra()
	a := NewDockerApplier(infra, zerolog.Nop())

	diff := engine.NodeDiff{Name: "app-net", Type: "docker.network", Action: engine.ActionCreate}
	if err := a.ApplyNode(context.Background(), engine.StageSetup, diff); err != nil {
		t.Fatal(err)
	}
	if err := a.ApplyNode(context.Background(), engine.StageSetup, diff); err != nil {
		t.Fatal(err)
	}
	if len(infra.networksCreated) != 1 {
		t.Errorf("created = %v", infra.networksCreated)
	}
}

func TestApplierRecreateReplacesNetwork(t *testing.T) {
	infra := newFakeInfra()
	infra.networks["app-net"] = network.Inspect{ID: "app-net", Name: "app-net", Driver: "bridge"}
	a := NewDockerApplier(infra, zerolog.Nop())

	err := a.ApplyNode(context.Background(), engine.StageSetup, engine.NodeDiff{
		Name:    "app-net",
		Type:    "docker.network",
		Action:  engine.ActionRecreate,
		Desired: map[string]interface{}{"driver": "overlay"},
	})
	if err != nil {
		t.Fatalf("ApplyNode failed: %v", err)
	}
	if len(infra.networksRemoved) != 1 || len(infra.networksCreated) != 1 {
		t.Errorf("removed = %v created = %v", infra.networksRemoved, infra.networksCreated)
	}
	if infra.networks["app-net"].Driver != "overlay" {
		t.Errorf("network = %+v", infra.networks["app-net"])
	}
}

func TestApplierDestroysVolume(t *testing.T) {
	infra := newFakeInfra()
	infra.volumes["data"] = volume.Volume{Name: "data"}
	a := NewDockerApplier(infra, zerolog.Nop())

	err := a.ApplyNode(context.Background(), engine.StageSetup, engine.NodeDiff{
		Name:   "data",
		Type:   "docker.volume",
		Action: engine.ActionDestroy,
	})
	if err != nil {
		t.Fatalf("ApplyNode failed: %v", err)
	}
	if len(infra.volumesRemoved) != 1 {
		t.Errorf("removed = %v", infra.volumesRemoved)
	}

	// Destroying an already-absent volume is a no-op.
	if err := a.ApplyNode(context.Background(), engine.StageSetup, engine.NodeDiff{
		Name: "data", Type: "docker.volume", Action: engine.ActionDestroy,
	}); err != nil {
		t.Errorf("destroy of absent volume failed: %v", err)
	}
}

func TestApplierCreatesVolumeWithDefaultDriver(t *testing.T) {
	infra := newFakeInfra()
	a := NewDockerApplier(infra, zerolog.Nop())

	err := a.ApplyNode(context.Background(), engine.StageDeploy, engine.NodeDiff{
		Name:   "data",
		Type:   "docker.volume",
		Action: engine.ActionCreate,
	})
	if err != nil {
		t.Fatalf("ApplyNode failed: %v", err)
	}
	if infra.volumes["data"].Driver != "local" {
		t.Errorf("volume = %+v", infra.volumes["data"])
	}
}

func TestApplierRejectsUnknownType(t *testing.T) {
	a := NewDockerApplier(newFakeInfra(), zerolog.Nop())

	err := a.ApplyNode(context.Background(), engine.StageSetup, engine.NodeDiff{
		Name:   "db",
		Type:   "database.mysql",
		Action: engine.ActionCreate,
	})
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
