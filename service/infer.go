package service

import (
	"fmt"
	"log/slog"
	"time"
)

// Pipeline turns an image source into a PredictionResult using whatever
// model the provider currently holds.
type Pipeline struct {
	models ModelProvider
}

func NewPipeline(models ModelProvider) *Pipeline {
	return &Pipeline{models: models}
}

// Predict classifies exactly one image. It returns model.ErrModelNotLoaded
// (unwrapped), *ImageDecodeError or *InferenceError on failure.
func (p *Pipeline) Predict(src Source) (*PredictionResult, error) {
	m, err := p.models.Get()
	if err != nil {
		return nil, err
	}

	img, err := src.normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	probs, err := m.Classify(img)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}

	names := m.Names()
	if len(probs.Data) != len(names) {
		return nil, &InferenceError{Err: fmt.Errorf("model returned %d scores for %d categories", len(probs.Data), len(names))}
	}
	class, ok := names.Label(probs.Top1)
	if !ok {
		return nil, &InferenceError{Err: fmt.Errorf("top index %d out of range for %d categories", probs.Top1, len(names))}
	}

	probabilities := make(map[string]float32, len(names))
	for i, name := range names {
		probabilities[name] = probs.Data[i]
	}
	if len(probabilities) != len(names) {
		return nil, &InferenceError{Err: fmt.Errorf("model has duplicate category labels: %v", names)}
	}

	slog.Debug("Prediction done",
		slog.String("source", src.Kind().String()),
		slog.String("class", class),
		slog.Duration("took", time.Since(start)))

	return &PredictionResult{
		Class:         class,
		Confidence:    probs.Data[probs.Top1],
		Probabilities: probabilities,
	}, nil
}
