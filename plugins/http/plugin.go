package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/superglue-ai/superglue-sub013/runtime"
)

// Config controls the shared HTTP client.
type Config struct {
	Timeout       time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	RetryCount    int           `yaml:"retry_count" default:"0" validate:"gte=0,lte=10"`
	RetryWaitTime time.Duration `yaml:"retry_wait_time" default:"100ms" validate:"gte=0"`
	Debug         bool          `yaml:"debug" default:"false"`
}

// HTTPPlugin executes resolved HTTP requests through one shared resty
// client. Response bodies are decoded as JSON when possible and passed
// through as strings otherwise.
type HTTPPlugin struct {
	Config Config
	client *resty.Client
	l      *slog.Logger
}

func New(cfg Config, l *slog.Logger) (*HTTPPlugin, error) {
	if err := runtime.PrepareConfig(&cfg); err != nil {
		return nil, err
	}
	return &HTTPPlugin{Config: cfg, l: l}, nil
}

func (p *HTTPPlugin) Initialize(ctx context.Context) error {
	p.client = resty.New().
		SetTimeout(p.Config.Timeout).
		SetRetryCount(p.Config.RetryCount).
		SetRetryWaitTime(p.Config.RetryWaitTime).
		SetDebug(p.Config.Debug)
	return nil
}

func (p *HTTPPlugin) Execute(ctx context.Context, req *runtime.ResolvedRequest) (*runtime.BackendResponse, error) {
	if p.client == nil {
		return nil, fmt.Errorf("http backend is not initialized")
	}

	r := p.client.R().SetContext(ctx)
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if len(req.QueryParams) > 0 {
		r.SetQueryParams(req.QueryParams)
	}
	if req.Body != "" {
		if req.Headers["Content-Type"] == "" && json.Valid([]byte(req.Body)) {
			r.SetHeader("Content-Type", "application/json")
		}
		r.SetBody(req.Body)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		errType := runtime.ErrorTypeTransient
		if errors.Is(err, context.DeadlineExceeded) {
			errType = runtime.ErrorTypeTimeout
		}
		return nil, &runtime.StepError{
			Type:    errType,
			Code:    runtime.ErrorCodeConnection,
			Message: fmt.Sprintf("http request failed: %v", err),
			Cause:   err,
		}
	}

	headers := make(map[string]string, len(resp.Header()))
	for name, values := range resp.Header() {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := resp.Body()
	if resp.IsError() {
		return nil, &runtime.StepError{
			Type:    runtime.ErrorTypeTransient,
			Code:    runtime.ErrorCodeExecutionFailed,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), snippet(body, 200)),
			Status:  resp.StatusCode(),
		}
	}

	return &runtime.BackendResponse{
		Data:    decodeBody(body),
		Status:  resp.StatusCode(),
		Headers: headers,
	}, nil
}

// decodeBody parses a JSON payload of any shape, falling back to the raw
// string for non-JSON responses.
func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		return data
	}
	return string(body)
}

func snippet(body []byte, max int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
