//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errONNXUnavailable = errors.New("ONNX provider requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXProvider stub type when built without CGO (see onnx.go for real implementation).
type ONNXProvider struct{}

var _ Provider = (*ONNXProvider)(nil)

// NewONNXProvider returns an error when built without CGO.
func NewONNXProvider(_ string, _ int) (*ONNXProvider, error) {
	return nil, errONNXUnavailable
}

func (p *ONNXProvider) Embed(context.Context, []byte) ([]float32, error) {
	return nil, Failed(errONNXUnavailable)
}

func (p *ONNXProvider) Dimensions() int { return 0 }
func (p *ONNXProvider) Name() string    { return "onnx" }
func (p *ONNXProvider) Close() error    { return nil }
