// Package filing exposes a small file store on top of afero.
//
// The "local" provider roots an OS filesystem at a directory; the "memory"
// provider keeps everything in process. Script units are loaded through Fs().
package filing

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

var ErrInvalidPath = errors.New("invalid path")

type Store struct {
	fs   afero.Fs
	root string
}

// NewLocal roots the store at dir, creating it if needed. Paths cannot escape dir.
func NewLocal(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: root directory required", ErrInvalidPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{fs: afero.NewBasePathFs(afero.NewOsFs(), dir), root: dir}, nil
}

func NewMemory() *Store {
	return &Store{fs: afero.NewMemMapFs(), root: "mem://"}
}

// Fs returns the underlying filesystem, rooted at the store root.
func (s *Store) Fs() afero.Fs { return s.fs }

func (s *Store) Root() string { return s.root }

func (s *Store) Read(name string) ([]byte, error) {
	p, err := clean(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, p)
}

// Write replaces name atomically enough for a single writer: parent dirs are created first.
func (s *Store) Write(name string, data []byte) error {
	p, err := clean(name)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, p, data, 0o644)
}

func (s *Store) Delete(name string) error {
	p, err := clean(name)
	if err != nil {
		return err
	}
	err = s.fs.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) Exists(name string) (bool, error) {
	p, err := clean(name)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}

// List returns the file names (not directories) directly under dir, sorted.
func (s *Store) List(dir string) ([]string, error) {
	p := "/"
	if strings.TrimSpace(dir) != "" {
		var err error
		if p, err = clean(dir); err != nil {
			return nil, err
		}
	}
	infos, err := afero.ReadDir(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() {
			out = append(out, fi.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func clean(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	p := path.Clean("/" + name)
	if p == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return p, nil
}
