package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// Manifest is the on-disk form of the desired state: one resource graph
// per stage, keyed by stage name under a top-level "stages" field.
type Manifest struct {
	Stages map[string]ManifestStage `json:"stages" yaml:"stages"`
}

// ManifestStage holds one stage's node list.
type ManifestStage struct {
	Nodes []engine.ResourceNode `json:"nodes" yaml:"nodes"`
}

// ManifestParser parses CUE and YAML manifest files into validated
// resource graphs.
type ManifestParser struct {
	cctx      *cue.Context
	validator *validator.Validate
}

// NewManifestParser creates a manifest parser.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{
		cctx:      cuecontext.New(),
		validator: validator.New(),
	}
}

// ParseFile loads a manifest file and returns the desired graph for each
// declared stage. The format is chosen by extension: .cue is evaluated as
// CUE, .yaml/.yml is decoded directly.
func (p *ManifestParser) ParseFile(path string) (map[engine.StageName]*engine.ResourceGraph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		manifest, err = p.parseCUE(path, content)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &manifest)
		if err != nil {
			err = fmt.Errorf("failed to decode manifest %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q (want .cue, .yaml, or .yml)", ext)
	}
	if err != nil {
		return nil, err
	}

	return p.toGraphs(manifest)
}

// parseCUE evaluates the manifest as a CUE value. CUE manifests get
// constraint checking and references for free; the decoded shape is the
// same as the YAML one.
func (p *ManifestParser) parseCUE(path string, content []byte) (Manifest, error) {
	val := p.cctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return Manifest{}, fmt.Errorf("failed to compile manifest %s: %s", path, cueerrors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s is not concrete: %s", path, cueerrors.Details(err, nil))
	}

	var manifest Manifest
	if err := val.Decode(&manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return manifest, nil
}

// toGraphs converts the raw manifest into per-stage graphs and validates
// them: struct-level field checks per node, then graph invariants.
func (p *ManifestParser) toGraphs(manifest Manifest) (map[engine.StageName]*engine.ResourceGraph, error) {
	if len(manifest.Stages) == 0 {
		return nil, fmt.Errorf("manifest declares no stages")
	}

	graphs := make(map[engine.StageName]*engine.ResourceGraph, len(manifest.Stages))
	for name, stage := range manifest.Stages {
		stageName := engine.StageName(name)
		if err := stageName.Validate(); err != nil {
			return nil, fmt.Errorf("manifest declares unknown stage %q: %w", name, err)
		}

		for _, node := range stage.Nodes {
			if err := p.validator.Struct(node); err != nil {
				return nil, fmt.Errorf("stage %s node %q is invalid: %w", name, node.Name, err)
			}
		}

		graph := &engine.ResourceGraph{Stage: stageName, Nodes: stage.Nodes}
		if err := graph.Validate(); err != nil {
			return nil, err
		}
		graphs[stageName] = graph
	}

	// A deploy stage referencing setup outputs needs the setup stage in
	// the same manifest so the references can be satisfied.
	if deploy, ok := graphs[engine.StageDeploy]; ok {
		if _, hasSetup := graphs[engine.StageSetup]; !hasSetup {
			for _, node := range deploy.Nodes {
				for _, ref := range node.DependsOn {
					if stage, _ := engine.SplitRef(ref); stage == engine.StageSetup {
						return nil, fmt.Errorf("deploy node %s references %s but the manifest has no setup stage", node.Name, ref)
					}
				}
			}
		}
	}

	return graphs, nil
}
