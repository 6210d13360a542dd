package units

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
)

const convertPath = "/v1/convert"

const responseBodyReadLimit int64 = 1 << 16

var errBaseURLRequired = errors.New("unit gateway base url is required")

// HTTPGateway calls the external conversion service over HTTP.
type HTTPGateway struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures optional gateway behavior.
type Option func(*HTTPGateway)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(g *HTTPGateway) {
		g.apiKey = strings.TrimSpace(key)
	}
}

// NewHTTPGateway builds a gateway rooted at baseURL.
func NewHTTPGateway(baseURL string, opts ...Option) (*HTTPGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	gateway := &HTTPGateway{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway, nil
}

// Convert implements Gateway.
func (g *HTTPGateway) Convert(ctx context.Context, req Request) (Conversion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Conversion{}, fmt.Errorf("encode conversion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+convertPath, bytes.NewReader(body))
	if err != nil {
		return Conversion{}, fmt.Errorf("build conversion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return Conversion{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unit gateway request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return Conversion{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read unit gateway response")
	}

	// 422 carries a refused conversion with an error code, not a transport failure.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return Conversion{}, pkgerrors.Newf(pkgerrors.CodeDependency, "unit gateway returned status %d", resp.StatusCode)
	}

	var conv Conversion
	if err := json.Unmarshal(payload, &conv); err != nil {
		return Conversion{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode unit gateway response")
	}
	if !conv.Success && !conv.ErrorCode.IsValid() {
		return Conversion{}, pkgerrors.Newf(pkgerrors.CodeDependency, "unit gateway returned unknown error code %q", conv.ErrorCode)
	}
	return conv, nil
}
