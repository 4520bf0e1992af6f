package local

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model describes one locally stored model file.
type Model struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	ProjectorPath string `yaml:"projectorPath,omitempty"`
	ContextWindow int    `yaml:"contextWindow,omitempty"`
	// GPUOffloadPercent is how much of the model to place on the GPU,
	// 0 for CPU-only.
	GPUOffloadPercent int    `yaml:"gpuOffloadPercent,omitempty"`
	Description       string `yaml:"description,omitempty"`
}

// Multimodal reports whether the model has a projector and accepts images.
func (m Model) Multimodal() bool {
	return m.ProjectorPath != ""
}

// ModelStore is a YAML-file-backed registry of local models.
type ModelStore struct {
	mu     sync.RWMutex
	path   string
	models map[string]Model
}

type modelFile struct {
	Models []Model `yaml:"models"`
}

func NewModelStore(path string) (*ModelStore, error) {
	s := &ModelStore{
		path:   path,
		models: map[string]Model{},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read model registry %s", path)
	}

	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse model registry %s", path)
	}
	for _, m := range f.Models {
		if m.ID == "" {
			return nil, errors.Errorf("model registry %s contains an entry without an id", path)
		}
		s.models[m.ID] = m
	}
	return s, nil
}

func (s *ModelStore) Get(id string) (Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	return m, ok
}

func (s *ModelStore) List() []Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		ret = append(ret, m)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Add registers a model and persists the registry.
func (s *ModelStore) Add(m Model) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if err := ValidateModelFile(m.Path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
	return s.save()
}

// Remove deletes a model entry. The model file on disk is left alone.
func (s *ModelStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[id]; !ok {
		return errors.Errorf("unknown model %s", id)
	}
	delete(s.models, id)
	return s.save()
}

func (s *ModelStore) save() error {
	f := modelFile{}
	for _, m := range s.models {
		f.Models = append(f.Models, m)
	}
	sort.Slice(f.Models, func(i, j int) bool { return f.Models[i].ID < f.Models[j].ID })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return errors.Wrap(err, "marshal model registry")
	}
	return errors.Wrapf(os.WriteFile(s.path, data, 0644), "write model registry %s", s.path)
}
