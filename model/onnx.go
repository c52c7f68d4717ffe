package model

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type ONNXOptions struct {
	// LabelsPath overrides the class names embedded in the model metadata.
	LabelsPath string
	// ImageSize is used when the model input has dynamic spatial dims.
	ImageSize      int
	Sessions       int
	IntraOpThreads int
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
	}
	return errors.Join(errs...)
}

// ONNXModel runs a single-image classifier exported to ONNX. AdvancedSession
// binds fixed tensors, so each Classify checks a session out of the pool.
type ONNXModel struct {
	names    CategorySet
	size     int
	pool     chan *session
	sessions []*session

	closeOnce sync.Once
	closeErr  error
}

var ErrModelClosed = errors.New("model is closed")

// NewONNXLoader returns a Loader for Registry. The ONNX Runtime environment
// must already be initialized.
func NewONNXLoader(opts ONNXOptions) Loader {
	return func(path string) (Model, error) {
		return LoadONNX(path, opts)
	}
}

func LoadONNX(path string, opts ONNXOptions) (*ONNXModel, error) {
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}

	names, err := loadNames(path, opts.LabelsPath)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}

	size, err := inputSize(inputs[0].Dimensions, opts.ImageSize)
	if err != nil {
		return nil, err
	}
	if n := outputClasses(outputs[0].Dimensions); n > 0 && n != len(names) {
		return nil, fmt.Errorf("model outputs %d classes but %d labels are known", n, len(names))
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	m := &ONNXModel{
		names: names,
		size:  size,
		pool:  make(chan *session, opts.Sessions),
	}
	for range opts.Sessions {
		s, err := newSession(path, inputs[0].Name, outputs[0].Name, size, len(names), sessionOpts)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.sessions = append(m.sessions, s)
		m.pool <- s
	}

	slog.Info("ONNX model ready",
		slog.String("input", inputs[0].Name),
		slog.String("output", outputs[0].Name),
		slog.Int("image_size", size),
		slog.Int("sessions", opts.Sessions))
	return m, nil
}

func newSession(path, inputName, outputName string, size, classes int, opts *ort.SessionOptions) (*session, error) {
	s := &session{}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(classes)))
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		opts,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return s, nil
}

func (m *ONNXModel) Names() CategorySet {
	return m.names
}

func (m *ONNXModel) Classify(img image.Image) (*Probs, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	inputData := Preprocess(img, m.size)

	s, ok := <-m.pool
	if !ok {
		return nil, ErrModelClosed
	}
	defer func() { m.pool <- s }()

	copy(s.input.GetData(), inputData)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	out := s.output.GetData()
	data := make([]float32, len(out))
	copy(data, out)

	top1 := Argmax(data)
	if top1 < 0 {
		return nil, errors.New("empty model output")
	}
	return &Probs{Data: data, Top1: top1}, nil
}

// Close waits for in-flight Classify calls to return their sessions, then
// destroys them. Later calls to Classify fail with ErrModelClosed.
func (m *ONNXModel) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for range m.sessions {
			errs = append(errs, (<-m.pool).destroy())
		}
		close(m.pool)
		m.sessions = nil
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func loadNames(modelPath, labelsPath string) (CategorySet, error) {
	if labelsPath != "" {
		names, err := ReadLabels(labelsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read labels: %w", err)
		}
		return names, nil
	}

	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}
	defer meta.Destroy()

	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("failed to read class names from metadata: %w", err)
	}
	if !ok {
		return nil, errors.New("model has no \"names\" metadata and no labels file is configured")
	}
	return ParseNames(raw)
}

// inputSize reads H and W from an NCHW shape, falling back for dynamic dims.
func inputSize(shape ort.Shape, fallback int) (int, error) {
	if len(shape) != 4 {
		return 0, fmt.Errorf("expected NCHW input, got shape %v", shape)
	}
	if shape[1] > 0 && shape[1] != 3 {
		return 0, fmt.Errorf("expected 3 input channels, got %d", shape[1])
	}
	h, w := shape[2], shape[3]
	switch {
	case h > 0 && w > 0:
		if h != w {
			return 0, fmt.Errorf("non-square input %dx%d is not supported", w, h)
		}
		return int(h), nil
	case fallback > 0:
		return fallback, nil
	default:
		return 0, fmt.Errorf("model input has dynamic size and no image size is configured")
	}
}

// outputClasses returns the class dimension of a [1, N] output, or 0 when
// it is dynamic.
func outputClasses(shape ort.Shape) int {
	if len(shape) == 0 {
		return 0
	}
	n := shape[len(shape)-1]
	if n <= 0 {
		return 0
	}
	return int(n)
}
