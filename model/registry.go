package model

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	ErrModelFileNotFound = errors.New("model file not found")
	ErrModelNotLoaded    = errors.New("model not loaded")
	ErrRegistryClosed    = errors.New("model registry closed")
)

// Model is a loaded classification model. Implementations must allow
// concurrent Classify calls.
type Model interface {
	Names() CategorySet
	Classify(img image.Image) (*Probs, error)
	Close() error
}

// Probs is the model output for a single image.
type Probs struct {
	Data []float32
	Top1 int
}

type Loader func(path string) (Model, error)

// Registry holds at most one loaded Model. The first successful Load wins;
// later calls are no-ops.
type Registry struct {
	loader Loader

	mu     sync.Mutex
	closed bool
	model  atomic.Pointer[loaded]
}

type loaded struct {
	m    Model
	path string
}

func NewRegistry(loader Loader) *Registry {
	return &Registry{loader: loader}
}

func (r *Registry) Load(path string) error {
	if r.model.Load() != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if r.model.Load() != nil {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModelFileNotFound, path)
		}
		return fmt.Errorf("failed to stat model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrModelFileNotFound, path)
	}

	m, err := r.loader(path)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", path, err)
	}
	r.model.Store(&loaded{m: m, path: path})

	slog.Info("Model loaded",
		slog.String("path", path),
		slog.Int("classes", len(m.Names())))
	return nil
}

func (r *Registry) Get() (Model, error) {
	l := r.model.Load()
	if l == nil {
		return nil, ErrModelNotLoaded
	}
	return l.m, nil
}

func (r *Registry) Loaded() bool {
	return r.model.Load() != nil
}

// Close releases the loaded model at shutdown. The registry cannot be
// loaded again afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	l := r.model.Swap(nil)
	if l == nil {
		return nil
	}
	return l.m.Close()
}
