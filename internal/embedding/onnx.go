//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXInputSize is the square input resolution of the image model.
const ONNXInputSize = 224

// ONNXProvider runs a local image model through ONNX Runtime. The model must take a
// [1,3,224,224] float tensor named "pixel_values" and produce [1,D] named "image_embeds".
// It requires CGO and the onnxruntime shared library.
type ONNXProvider struct {
	session      *ort.AdvancedSession
	dimensions   int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

var _ Provider = (*ONNXProvider)(nil)

// NewONNXProvider loads modelPath. InitializeEnvironment is called if not already done.
func NewONNXProvider(modelPath string, dimensions int) (*ONNXProvider, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	input := make([]float32, 3*ONNXInputSize*ONNXInputSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, ONNXInputSize, ONNXInputSize), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dimensions)))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXProvider{
		session:      session,
		dimensions:   dimensions,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Embed runs the model on jpeg. Inference failures are reported as non-retryable.
func (p *ONNXProvider) Embed(ctx context.Context, jpeg []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, err := ImageTensor(jpeg, ONNXInputSize)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.inputTensor.GetData(), pixels)
	if err := p.session.Run(); err != nil {
		return nil, Failed(fmt.Errorf("inference failed: %w", err))
	}
	out := p.outputTensor.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

// Dimensions returns the embedding dimension.
func (p *ONNXProvider) Dimensions() int { return p.dimensions }

// Name returns "onnx".
func (p *ONNXProvider) Name() string { return "onnx" }

// Close destroys the session and tensors.
func (p *ONNXProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.session != nil {
		err = p.session.Destroy()
		p.session = nil
	}
	if p.inputTensor != nil {
		_ = p.inputTensor.Destroy()
		p.inputTensor = nil
	}
	if p.outputTensor != nil {
		_ = p.outputTensor.Destroy()
		p.outputTensor = nil
	}
	return err
}
