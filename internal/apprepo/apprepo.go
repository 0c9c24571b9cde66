// Package apprepo provides the App Repository: an opaque {app_name ->
// {version -> AppSpec}} provider with a refresh operation, loaded from
// per-app YAML files on disk. The scaler and supervisor depend only on
// Repository, never on the filesystem layout directly.
package apprepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/umpire/internal/log"
)

// ErrEmpty is returned by New and Refresh when no app specs were found; a
// failing New is a fatal init error for the controller.
var ErrEmpty = errors.New("app repository: no apps found")

// AppSpec is a single app version's scaling policy.
type AppSpec struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	MaxReplicas int    `yaml:"max_replicas"`
}

// appFile is the on-disk shape of one app YAML file, named after warren's
// apply.go WarrenResource convention but scoped to what the scaler needs.
type appFile struct {
	Name     string `yaml:"name"`
	Versions []struct {
		Version     string `yaml:"version"`
		MaxReplicas int    `yaml:"max_replicas"`
	} `yaml:"versions"`
}

// Repository is a refreshable, filesystem-backed App Repository.
type Repository struct {
	dir string

	mu    sync.RWMutex
	specs map[string]map[string]AppSpec // app -> version -> spec
}

// New constructs a Repository rooted at dir, performing the initial load.
// Returns ErrEmpty if dir contains no app specs.
func New(dir string) (*Repository, error) {
	r := &Repository{dir: dir, specs: make(map[string]map[string]AppSpec)}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads every app YAML file under the repository's directory
// (load_apps_and_apis) and prunes specs whose backing file disappeared
// (delete_unused_apps_and_apis), matching the umpire.py APP_REFRESH cadence
// driven from the Supervisor heartbeat. If no app file is left, Refresh
// returns ErrEmpty and keeps the previously loaded specs.
func (r *Repository) Refresh() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("app repository: read %s: %w", r.dir, err)
	}

	fresh := make(map[string]map[string]AppSpec)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" && filepath.Ext(e.Name()) != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithComponent("apprepo").Warn().Err(err).Str("file", path).Msg("skipping unreadable app spec")
			continue
		}

		var af appFile
		if err := yaml.Unmarshal(data, &af); err != nil {
			log.WithComponent("apprepo").Warn().Err(err).Str("file", path).Msg("skipping malformed app spec")
			continue
		}
		if af.Name == "" {
			continue
		}

		versions := make(map[string]AppSpec, len(af.Versions))
		for _, v := range af.Versions {
			versions[v.Version] = AppSpec{Name: af.Name, Version: v.Version, MaxReplicas: v.MaxReplicas}
		}
		fresh[af.Name] = versions
	}

	if len(fresh) == 0 {
		return ErrEmpty
	}

	r.mu.Lock()
	r.specs = fresh
	r.mu.Unlock()
	return nil
}

// Lookup resolves the AppSpec for (app, version), reporting ok=false if
// either is unknown.
func (r *Repository) Lookup(app, version string) (AppSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.specs[app]
	if !ok {
		return AppSpec{}, false
	}
	spec, ok := versions[version]
	return spec, ok
}

// Apps returns the set of currently loaded app names.
func (r *Repository) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}
