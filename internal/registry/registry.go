// Package registry keeps installed models in a content-addressed store laid out
// like an OCI image cache: manifests/<name>/<tag> lists the layers of a model and
// blobs/sha256-<hex> holds their bytes.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultTag = "latest"
	EnvDir     = "TRIT_MODELS"

	MediaTypeConfig  = "application/vnd.trit.config"
	MediaTypeArrow   = "application/vnd.trit.weights.arrow"
	MediaTypeGGUF    = "application/vnd.trit.weights.gguf"
	MediaTypeVocab   = "application/vnd.trit.vocab"
	manifestSchema   = 2
	manifestsDirName = "manifests"
	blobsDirName     = "blobs"
)

// ErrNotInstalled is returned when no manifest exists for a model name.
var ErrNotInstalled = errors.New("registry: model not installed")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Layer returns the first layer with the given media type.
func (m *Manifest) Layer(mediaType string) (Layer, bool) {
	for _, l := range m.Layers {
		if l.MediaType == mediaType {
			return l, true
		}
	}
	return Layer{}, false
}

// Dir is $TRIT_MODELS, or ~/.trit/models.
func Dir() (string, error) {
	if env := os.Getenv(EnvDir); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".trit", "models"), nil
}

// ParseName splits "name[:tag]". The tag defaults to DefaultTag.
func ParseName(model string) (name, tag string, err error) {
	name, tag, found := strings.Cut(model, ":")
	if !found || tag == "" {
		tag = DefaultTag
	}
	for _, part := range []string{name, tag} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\:`) {
			return "", "", fmt.Errorf("registry: invalid model name %q", model)
		}
	}
	return name, tag, nil
}

// Store is a model store rooted at a directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Default opens the store at Dir.
func Default() (*Store, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return NewStore(dir), nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) manifestPath(name, tag string) string {
	return filepath.Join(s.root, manifestsDirName, name, tag)
}

// BlobPath maps a "sha256:<hex>" digest to its file.
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.root, blobsDirName, strings.Replace(digest, ":", "-", 1))
}

// Manifest reads the manifest of an installed model.
func (s *Store) Manifest(model string) (*Manifest, error) {
	name, tag, err := ParseName(model)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.manifestPath(name, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotInstalled, name, tag)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("registry: manifest %s:%s: %w", name, tag, err)
	}
	return &m, nil
}

// Resolve returns the blob path of every layer of model, keyed by media type.
func (s *Store) Resolve(model string) (map[string]string, error) {
	m, err := s.Manifest(model)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(m.Layers))
	for _, l := range m.Layers {
		p := s.BlobPath(l.Digest)
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("registry: blob for %s not found at %s", l.MediaType, p)
		}
		paths[l.MediaType] = p
	}
	if _, ok := paths[MediaTypeConfig]; !ok {
		if _, ok := paths[MediaTypeGGUF]; !ok {
			return nil, fmt.Errorf("registry: %s has no config layer", model)
		}
	}
	if _, ok := paths[MediaTypeArrow]; !ok {
		if _, ok := paths[MediaTypeGGUF]; !ok {
			return nil, fmt.Errorf("registry: %s has no weights layer", model)
		}
	}
	return paths, nil
}

// Install copies files, keyed by media type, into the blob store and writes the
// manifest for model. An existing manifest is replaced.
func (s *Store) Install(model string, files map[string]string) (*Manifest, error) {
	name, tag, err := ParseName(model)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(s.root, blobsDirName), 0755); err != nil {
		return nil, err
	}

	types := make([]string, 0, len(files))
	for mt := range files {
		types = append(types, mt)
	}
	sort.Strings(types)

	m := &Manifest{SchemaVersion: manifestSchema}
	for _, mt := range types {
		l, err := s.putBlob(files[mt])
		if err != nil {
			return nil, err
		}
		l.MediaType = mt
		m.Layers = append(m.Layers, l)
	}

	path := s.manifestPath(name, tag)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) putBlob(src string) (Layer, error) {
	in, err := os.Open(src)
	if err != nil {
		return Layer{}, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.root, blobsDirName), "partial-")
	if err != nil {
		return Layer{}, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Layer{}, fmt.Errorf("registry: copy %s: %w", src, err)
	}
	l := Layer{Digest: "sha256:" + hex.EncodeToString(h.Sum(nil)), Size: n}
	if err := os.Rename(tmp.Name(), s.BlobPath(l.Digest)); err != nil {
		return Layer{}, err
	}
	return l, nil
}

// List returns installed models as name:tag, sorted.
func (s *Store) List() ([]string, error) {
	root := filepath.Join(s.root, manifestsDirName)
	var models []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name, tag := filepath.Split(rel)
		models = append(models, filepath.Clean(name)+":"+tag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(models)
	return models, nil
}

// Remove deletes the manifest of model and any blobs no other manifest uses.
func (s *Store) Remove(model string) error {
	name, tag, err := ParseName(model)
	if err != nil {
		return err
	}
	if _, err := s.Manifest(model); err != nil {
		return err
	}
	if err := os.Remove(s.manifestPath(name, tag)); err != nil {
		return err
	}
	_ = os.Remove(filepath.Dir(s.manifestPath(name, tag))) // only succeeds when empty
	return s.prune()
}

func (s *Store) prune() error {
	models, err := s.List()
	if err != nil {
		return err
	}
	used := make(map[string]bool)
	for _, model := range models {
		m, err := s.Manifest(model)
		if err != nil {
			return err
		}
		for _, l := range m.Layers {
			used[filepath.Base(s.BlobPath(l.Digest))] = true
		}
	}
	entries, err := os.ReadDir(filepath.Join(s.root, blobsDirName))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !used[e.Name()] {
			if err := os.Remove(filepath.Join(s.root, blobsDirName, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
