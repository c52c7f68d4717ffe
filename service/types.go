package service

import (
	"fmt"

	"github.com/krau/tumorscan/model"
)

type PredictionResult struct {
	Class         string             `json:"class"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities"`
}

// ModelProvider is satisfied by *model.Registry.
type ModelProvider interface {
	Get() (model.Model, error)
}

// ImageDecodeError reports an image source that could not be opened or
// decoded.
type ImageDecodeError struct {
	Kind SourceKind
	Err  error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode image from %s: %v", e.Kind, e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

// InferenceError reports a failure of the model forward pass or an output
// that does not match the model's categories.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "inference failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }
