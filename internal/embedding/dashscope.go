package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DashScope multimodal embedding defaults.
const (
	DefaultDashScopeBaseURL = "https://dashscope.aliyuncs.com"
	DefaultDashScopeModel   = "multimodal-embedding-v1"

	dashScopeMultimodalPath = "/api/v1/services/embeddings/multimodal-embedding/multimodal-embedding"
	dashScopeMaxResponse    = 16 << 20
)

// DashScopeProvider calls Aliyun DashScope's multimodal embedding endpoint with a
// single base64 JPEG per request.
type DashScopeProvider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

var _ Provider = (*DashScopeProvider)(nil)

// DashScopeOption configures a DashScopeProvider.
type DashScopeOption func(*DashScopeProvider)

// WithBaseURL points the provider at another host, e.g. an httptest server.
func WithBaseURL(url string) DashScopeOption {
	return func(p *DashScopeProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel overrides DefaultDashScopeModel.
func WithModel(model string) DashScopeOption {
	return func(p *DashScopeProvider) { p.model = model }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) DashScopeOption {
	return func(p *DashScopeProvider) { p.client = c }
}

// WithTimeout sets a per-request timeout on the default client.
func WithTimeout(d time.Duration) DashScopeOption {
	return func(p *DashScopeProvider) { p.client = &http.Client{Timeout: d} }
}

// NewDashScopeProvider creates a provider. apiKey is required.
func NewDashScopeProvider(apiKey string, dimensions int, opts ...DashScopeOption) (*DashScopeProvider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope: api key is required (set embedding.api_key or DASHSCOPE_API_KEY)")
	}
	p := &DashScopeProvider{
		apiKey:     apiKey,
		baseURL:    DefaultDashScopeBaseURL,
		model:      DefaultDashScopeModel,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type dashScopeContent struct {
	Image string `json:"image"`
}

type dashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		Contents []dashScopeContent `json:"contents"`
	} `json:"input"`
}

type dashScopeResponse struct {
	Output struct {
		Embeddings []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
			Type      string    `json:"type"`
		} `json:"embeddings"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Embed sends jpeg to the provider and returns the raw embedding.
func (p *DashScopeProvider) Embed(ctx context.Context, jpeg []byte) ([]float32, error) {
	var reqBody dashScopeRequest
	reqBody.Model = p.model
	reqBody.Input.Contents = []dashScopeContent{{
		Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	}}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, Failed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+dashScopeMultimodalPath, bytes.NewReader(payload))
	if err != nil {
		return nil, Failed(err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Failed(fmt.Errorf("dashscope request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, dashScopeMaxResponse))
	if err != nil {
		return nil, Failed(fmt.Errorf("read dashscope response: %w", err))
	}

	var out dashScopeResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		pe := &ProviderError{
			Kind:       KindFailed,
			Code:       out.Code,
			Message:    out.Message,
			RequestID:  out.RequestID,
			HTTPStatus: resp.StatusCode,
		}
		if pe.Message == "" {
			pe.Message = http.StatusText(resp.StatusCode)
		}
		if isRateLimit(resp.StatusCode, out.Code, out.Message) {
			pe.Kind = KindRateLimited
		}
		return nil, pe
	}
	if decodeErr != nil {
		return nil, &ProviderError{Kind: KindMalformed, Message: "invalid JSON response", HTTPStatus: resp.StatusCode, Err: decodeErr}
	}
	if out.Code != "" {
		kind := KindFailed
		if isRateLimit(resp.StatusCode, out.Code, out.Message) {
			kind = KindRateLimited
		}
		return nil, &ProviderError{Kind: kind, Code: out.Code, Message: out.Message, RequestID: out.RequestID, HTTPStatus: resp.StatusCode}
	}
	if len(out.Output.Embeddings) == 0 || len(out.Output.Embeddings[0].Embedding) == 0 {
		return nil, &ProviderError{Kind: KindMalformed, Message: "response contains no embedding", RequestID: out.RequestID, HTTPStatus: resp.StatusCode}
	}
	return float64sToFloat32s(out.Output.Embeddings[0].Embedding), nil
}

// isRateLimit recognizes throttling by status, error code or message text.
func isRateLimit(status int, code, message string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	switch {
	case strings.HasPrefix(code, "Throttling"), code == "RateLimitExceeded", code == "QuotaExceeded":
		return true
	}
	return strings.Contains(strings.ToLower(message), "rate limit")
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

// Dimensions returns the configured vector length.
func (p *DashScopeProvider) Dimensions() int { return p.dimensions }

// Name returns the provider identifier.
func (p *DashScopeProvider) Name() string { return "dashscope/" + p.model }

// Close is a no-op.
func (p *DashScopeProvider) Close() error { return nil }
