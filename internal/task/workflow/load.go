package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.yaml.in/yaml/v3"
)

// definitionsFile is the on-disk form:
//
//	workflows:
//	  nightly: [fetch, transform, publish.js]
type definitionsFile struct {
	Workflows map[string][]string `yaml:"workflows"`
}

// LoadDefinitions reads a YAML definitions file from fsys and defines every
// workflow in it. It returns the names defined, sorted. Nothing is defined if
// any entry is invalid.
func (s *Service) LoadDefinitions(fsys afero.Fs, path string) ([]string, error) {
	b, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read workflows: %w", err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, path, err)
	}
	return s.DefineAll(f.Workflows)
}

// DefineAll validates and defines every entry of defs.
func (s *Service) DefineAll(defs map[string][]string) ([]string, error) {
	names := make([]string, 0, len(defs))
	for n, steps := range defs {
		if err := validate(n, steps); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := s.Define(n, defs[n]); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func validate(name string, steps []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	for i, st := range steps {
		if strings.TrimSpace(st) == "" {
			return fmt.Errorf("%w: %s: step %d has no unit", ErrInvalidDefinition, name, i)
		}
	}
	return nil
}
