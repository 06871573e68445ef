package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// Loader loads Rego policy files from disk and hot-reloads them on change.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDir loads every .rego file in the directory. Files that do not parse
// are rejected so a typo cannot silently disable a policy.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}

		name := strings.TrimSuffix(entry.Name(), ".rego")
		if _, err := ast.ParseModule(entry.Name(), string(data)); err != nil {
			return nil, fmt.Errorf("policy %s does not parse: %w", name, err)
		}

		policies = append(policies, Policy{
			Name:        name,
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Enabled:     true,
		})
	}

	l.logger.Debug().Int("count", len(policies)).Str("dir", dir).Msg("policies loaded from disk")
	return policies, nil
}

// Watch reloads the directory into the engine whenever a policy file is
// written or created. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, dir string, eng *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher
	defer func() {
		_ = watcher.Close()
		l.watcher = nil
	}()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			policies, err := l.LoadDir(dir)
			if err != nil {
				// Keep the last good set on a bad reload.
				l.logger.Error().Err(err).Msg("policy reload failed; keeping previous policies")
				continue
			}
			eng.SetPolicies(policies)
			l.logger.Info().Str("trigger", event.Name).Msg("policies hot-reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}

// extractDescription returns the first comment line of the policy source.
func extractDescription(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		}
		if trimmed != "" {
			break
		}
	}
	return ""
}
