package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend replays a fixed sequence of outcomes; the last outcome
// repeats once the script runs out.
type scriptedBackend struct {
	calls    int
	requests []*ResolvedRequest
	script   []backendOutcome
}

type backendOutcome struct {
	resp *BackendResponse
	err  error
}

func (b *scriptedBackend) Execute(ctx context.Context, req *ResolvedRequest) (*BackendResponse, error) {
	i := b.calls
	b.calls++
	b.requests = append(b.requests, req)
	if len(b.script) == 0 {
		return &BackendResponse{Data: map[string]any{}, Status: 200}, nil
	}
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	return b.script[i].resp, b.script[i].err
}

type fakeGenerator struct {
	generateCalls int
	generated     *GeneratedConfig
	generateErr   error

	selectorCalls int
	selector      string
	selectorErr   error

	validateCalls int
	validateFn    func(in ValidateInput) (ValidateResult, error)
}

func (g *fakeGenerator) GenerateConfig(ctx context.Context, in GenerateInput) (*GeneratedConfig, error) {
	g.generateCalls++
	if g.generateErr != nil {
		return nil, g.generateErr
	}
	return g.generated, nil
}

func (g *fakeGenerator) GenerateSelector(ctx context.Context, in SelectorInput) (string, error) {
	g.selectorCalls++
	if g.selectorErr != nil {
		return "", g.selectorErr
	}
	return g.selector, nil
}

func (g *fakeGenerator) ValidateResponse(ctx context.Context, in ValidateInput) (ValidateResult, error) {
	g.validateCalls++
	if g.validateFn != nil {
		return g.validateFn(in)
	}
	// Default judgement: clean execution satisfies the instruction.
	return ValidateResult{Validated: in.ExecutionError == "", Reason: in.ExecutionError}, nil
}

func newTestExecutor(t *testing.T, backend Backend, gen ConfigGenerator) *StepExecutor {
	t.Helper()
	container := NewContainer()
	if err := container.Register(backend, "http", "https"); err != nil {
		t.Fatal(err)
	}
	return NewStepExecutor(testLogger(), container, NewExpressionEvaluator(), gen, DefaultEngineConfig())
}

func generatedStep(id string) *Step {
	return &Step{
		ID: id,
		Config: StepConfig{
			Kind: ConfigGenerated,
			Generated: &GeneratedConfig{
				BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
					return &ResolvedRequest{URL: "https://api.test/items", Method: "GET", Credentials: in.Credentials}, nil
				},
			},
		},
	}
}

func intPtr(v int) *int { return &v }

func TestExecuteStepConfigAbsent(t *testing.T) {
	backend := &scriptedBackend{}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	_, err := exec.ExecuteStep(context.Background(), &Step{ID: "s1"}, nil, nil, ExecutionOptions{}, IntegrationContext{})
	if err == nil {
		t.Fatal("expected error for a config-less step")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Code != ErrorCodeConfigAbsent {
		t.Errorf("error = %v, want %s", err, ErrorCodeConfigAbsent)
	}
	if backend.calls != 0 {
		t.Errorf("backend called %d times, want 0", backend.calls)
	}
}

func TestExecuteStepHealingOffAcceptsExecutionError(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{err: &StepError{Type: ErrorTypeTransient, Code: ErrorCodeExecutionFailed, Message: "HTTP 500: upstream exploded", Status: 500}},
	}}
	gen := &fakeGenerator{}
	exec := newTestExecutor(t, backend, gen)

	res, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{SelfHealing: false}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v, want accepted result", err)
	}
	if !res.Success {
		t.Error("first attempt without healing or test mode must be accepted")
	}
	if res.Error == "" || !strings.Contains(res.Error, "HTTP 500") {
		t.Errorf("Error = %q, want the execution error preserved", res.Error)
	}
	if res.Status != 500 {
		t.Errorf("Status = %d, want 500", res.Status)
	}
	if gen.validateCalls != 0 || gen.generateCalls != 0 {
		t.Errorf("generator touched: validate=%d generate=%d", gen.validateCalls, gen.generateCalls)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
}

func TestExecuteStepSelfHealingRegeneratesAndSucceeds(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{err: &StepError{Type: ErrorTypeTransient, Code: ErrorCodeExecutionFailed, Message: "HTTP 500", Status: 500}},
		{resp: &BackendResponse{Data: map[string]any{"ok": true}, Status: 200}},
	}}
	gen := &fakeGenerator{
		generated: &GeneratedConfig{
			BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
				return &ResolvedRequest{URL: "https://api.test/items", Method: "GET"}, nil
			},
		},
	}
	exec := newTestExecutor(t, backend, gen)

	res, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{SelfHealing: true, Retries: intPtr(3)}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if gen.generateCalls != 1 {
		t.Errorf("generateCalls = %d, want 1", gen.generateCalls)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls)
	}
	if res.Config.Kind != ConfigGenerated || res.Config.Generated != gen.generated {
		t.Error("result should carry the healed config")
	}
}

func TestExecuteStepRetriesExhausted(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{err: &StepError{Type: ErrorTypeTransient, Code: ErrorCodeExecutionFailed, Message: "HTTP 503", Status: 503}},
	}}
	gen := &fakeGenerator{
		generated: &GeneratedConfig{
			BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
				return &ResolvedRequest{URL: "https://api.test/items"}, nil
			},
		},
	}
	exec := newTestExecutor(t, backend, gen)

	_, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{SelfHealing: true, Retries: intPtr(2)}, IntegrationContext{})
	if err == nil {
		t.Fatal("expected error after exhausting the retry budget")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error type = %T", err)
	}
	if stepErr.Code != ErrorCodeRetriesExhausted {
		t.Errorf("Code = %s, want %s", stepErr.Code, ErrorCodeRetriesExhausted)
	}
	if stepErr.Status != 503 {
		t.Errorf("Status = %d, want last observed 503", stepErr.Status)
	}
	if stepErr.Retries != 3 {
		t.Errorf("Retries = %d, want 3 attempts", stepErr.Retries)
	}
	if backend.calls != 3 {
		t.Errorf("backend calls = %d, want 3", backend.calls)
	}
	if gen.generateCalls != 2 {
		t.Errorf("generateCalls = %d, want 2", gen.generateCalls)
	}
	if stepErr.Config.Kind != ConfigGenerated || stepErr.Config.Generated != gen.generated {
		t.Error("error should carry the last regenerated config, not the original")
	}
}

func TestExecuteStepGenerationFailureIsFatal(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{err: &StepError{Type: ErrorTypeTransient, Code: ErrorCodeExecutionFailed, Message: "HTTP 500", Status: 500}},
	}}
	gen := &fakeGenerator{generateErr: fmt.Errorf("model unavailable")}
	exec := newTestExecutor(t, backend, gen)

	_, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{SelfHealing: true, Retries: intPtr(5)}, IntegrationContext{})
	if err == nil {
		t.Fatal("expected fatal error when the generator fails")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Code != ErrorCodeGenerationFailed {
		t.Errorf("error = %v, want %s", err, ErrorCodeGenerationFailed)
	}
	if gen.generateCalls != 1 {
		t.Errorf("generateCalls = %d, want exactly 1 (no retry of a broken generator)", gen.generateCalls)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
}

func TestExecuteStepTestModeValidatesFirstAttempt(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{Data: map[string]any{"partial": true}, Status: 200}},
	}}
	gen := &fakeGenerator{
		validateFn: func(in ValidateInput) (ValidateResult, error) {
			return ValidateResult{Validated: false, Reason: "response is missing the email field"}, nil
		},
	}
	exec := newTestExecutor(t, backend, gen)

	_, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{TestMode: true}, IntegrationContext{})
	if err == nil {
		t.Fatal("test mode must not accept an unvalidated response")
	}
	if gen.validateCalls != 1 {
		t.Errorf("validateCalls = %d, want 1", gen.validateCalls)
	}
	if !strings.Contains(err.Error(), "missing the email field") {
		t.Errorf("error = %v, want the validation reason surfaced", err)
	}
	// Healing is off: exactly one attempt.
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
}

func TestExecuteStepValidatorErrorCountsAsRejection(t *testing.T) {
	backend := &scriptedBackend{}
	gen := &fakeGenerator{
		validateFn: func(in ValidateInput) (ValidateResult, error) {
			return ValidateResult{}, fmt.Errorf("validator timeout")
		},
	}
	exec := newTestExecutor(t, backend, gen)

	_, err := exec.ExecuteStep(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{TestMode: true}, IntegrationContext{})
	if err == nil {
		t.Fatal("a failing validator must not produce an accepted result")
	}
	if !strings.Contains(err.Error(), "validator timeout") {
		t.Errorf("error = %v, want validator failure in the reason chain", err)
	}
}

func TestExecuteStepScopesCredentials(t *testing.T) {
	backend := &scriptedBackend{}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	var seen map[string]string
	step := &Step{
		ID:            "s1",
		IntegrationID: "stripe",
		Config: StepConfig{
			Kind: ConfigGenerated,
			Generated: &GeneratedConfig{
				BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
					seen = in.Credentials
					return &ResolvedRequest{URL: "https://api.test"}, nil
				},
			},
		},
	}

	credentials := map[string]string{
		"stripe_apiKey": "sk_123",
		"hubspot_token": "hs_789",
		"region":        "eu",
	}
	_, err := exec.ExecuteStep(context.Background(), step, nil, credentials, ExecutionOptions{}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}

	if seen["apiKey"] != "sk_123" || seen["region"] != "eu" {
		t.Errorf("scoped credentials = %v", seen)
	}
	if _, leaked := seen["hubspot_token"]; leaked {
		t.Error("other integration's credential leaked into the builder")
	}
}

func TestExecuteStepBuilderPanicIsContained(t *testing.T) {
	backend := &scriptedBackend{}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	step := &Step{
		ID: "s1",
		Config: StepConfig{
			Kind: ConfigGenerated,
			Generated: &GeneratedConfig{
				BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
					panic("nil map write")
				},
			},
		},
	}

	// Healing off: the panic becomes an execution error on an accepted result.
	res, err := exec.ExecuteStep(context.Background(), step, nil, nil, ExecutionOptions{}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}
	if !strings.Contains(res.Error, "panicked") {
		t.Errorf("Error = %q, want contained panic", res.Error)
	}
}

func TestExecuteStepGeneratedPaginationAggregates(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{Data: []any{1, 2}, Status: 200}},
		{resp: &BackendResponse{Data: []any{3}, Status: 200}},
	}}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	var offsets []int
	step := &Step{
		ID: "paged",
		Config: StepConfig{
			Kind: ConfigGenerated,
			Generated: &GeneratedConfig{
				BuildRequest: func(in BuildInput) (*ResolvedRequest, error) {
					offsets = append(offsets, in.Pagination.Offset)
					return &ResolvedRequest{URL: "https://api.test/items"}, nil
				},
				HandlePage: func(in PageInput) (PageDirective, error) {
					items, _ := ToArray(in.Response.Data)
					return PageDirective{HasMore: len(items) == 2, ResultSize: len(items)}, nil
				},
			},
		},
	}

	res, err := exec.ExecuteStep(context.Background(), step, nil, nil, ExecutionOptions{}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}

	all, ok := ToArray(res.RawData)
	if !ok || len(all) != 3 {
		t.Fatalf("RawData = %v, want 3 aggregated items", res.RawData)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2 pages", backend.calls)
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 2 {
		t.Errorf("offsets seen by builder = %v, want [0 2]", offsets)
	}
}

func TestExecuteStepDeclarativePagination(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{Data: map[string]any{"items": []any{"a", "b"}}, Status: 200}},
		{resp: &BackendResponse{Data: map[string]any{"items": []any{"c"}}, Status: 200}},
	}}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	step := &Step{
		ID: "decl",
		Config: StepConfig{
			Kind: ConfigDeclarative,
			Declarative: &DeclarativeConfig{
				URL:      "https://api.test/items",
				DataPath: "items",
				QueryParams: map[string]string{
					"offset": "<<sourceData.offset>>",
					"limit":  "<<sourceData.limit>>",
				},
				Pagination: &Pagination{Type: PaginationOffsetBased, PageSize: 2},
			},
		},
	}

	res, err := exec.ExecuteStep(context.Background(), step, nil, nil, ExecutionOptions{}, IntegrationContext{})
	if err != nil {
		t.Fatalf("ExecuteStep() error = %v", err)
	}

	all, ok := ToArray(res.RawData)
	if !ok || len(all) != 3 {
		t.Fatalf("RawData = %v, want 3 items after dataPath extraction", res.RawData)
	}
	if backend.calls != 2 {
		t.Fatalf("backend calls = %d, want 2 pages", backend.calls)
	}

	first := backend.requests[0]
	second := backend.requests[1]
	if first.QueryParams["offset"] != "0" || first.QueryParams["limit"] != "2" {
		t.Errorf("first page query = %v", first.QueryParams)
	}
	if second.QueryParams["offset"] != "2" {
		t.Errorf("second page query = %v", second.QueryParams)
	}
}
