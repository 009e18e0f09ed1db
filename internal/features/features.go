// Package features defines keypoints, descriptors and the extractor
// contract used by the registration pipeline.
package features

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync"
)

// Keypoint is a detected interest point in pixel coordinates.
type Keypoint struct {
	X, Y     float64
	Response float64
}

// Descriptor is a fixed-length vector compared by Euclidean distance.
type Descriptor []float32

// Set holds keypoints and their descriptors, index aligned.
type Set struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len returns the number of features.
func (s Set) Len() int { return len(s.Keypoints) }

// Extractor detects keypoints and computes descriptors for an image. An
// image without usable texture yields an empty Set and no error.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, img image.Image) (Set, error)
}

// Options are the knobs shared by registered extractors.
type Options struct {
	MaxFeatures int
	PatchRadius int
}

// Factory builds an extractor from options.
type Factory func(Options) (Extractor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an extractor available by name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the named extractor.
func New(name string, opts Options) (Extractor, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown feature extractor %q (available: %v)", name, Names())
	}
	return f(opts)
}

// Names lists the registered extractors in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func init() {
	Register(HarrisName, func(o Options) (Extractor, error) {
		return NewHarris(o), nil
	})
}
