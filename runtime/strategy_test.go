package runtime

import (
	"context"
	"strings"
	"testing"
)

func TestSelectStrategy(t *testing.T) {
	exec := newTestExecutor(t, &scriptedBackend{}, &fakeGenerator{})

	if _, ok := SelectStrategy(exec, &Step{Mode: ModeLoop}).(*LoopStrategy); !ok {
		t.Error("LOOP mode should select the loop strategy")
	}
	if _, ok := SelectStrategy(exec, &Step{Mode: ModeDirect}).(*DirectStrategy); !ok {
		t.Error("DIRECT mode should select the direct strategy")
	}
	if _, ok := SelectStrategy(exec, &Step{}).(*DirectStrategy); !ok {
		t.Error("unset mode should default to direct")
	}
}

func TestDirectStrategyAppliesMapping(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{
			Data:   map[string]any{"contacts": []any{map[string]any{"id": "c1"}}},
			Status: 200,
		}},
	}}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	step := generatedStep("s1")
	step.ResponseMapping = "(data) => data.contacts"

	res := (&DirectStrategy{exec: exec}).Execute(context.Background(), step, nil, nil,
		ExecutionOptions{}, RunMetadata{}, IntegrationContext{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	mapped, ok := ToArray(res.TransformedData)
	if !ok || len(mapped) != 1 {
		t.Errorf("TransformedData = %v, want the contacts array", res.TransformedData)
	}
	if res.RawData == nil {
		t.Error("RawData must stay the unmapped response")
	}
}

func TestDirectStrategyEmptyMappingPassesThrough(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{Data: map[string]any{"a": 1}, Status: 200}},
	}}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	res := (&DirectStrategy{exec: exec}).Execute(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{}, RunMetadata{}, IntegrationContext{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if m, ok := res.TransformedData.(map[string]any); !ok || m["a"] != 1 {
		t.Errorf("TransformedData = %v, want raw passthrough", res.TransformedData)
	}
}

func TestDirectStrategyMappingErrorFailsResult(t *testing.T) {
	backend := &scriptedBackend{script: []backendOutcome{
		{resp: &BackendResponse{Data: map[string]any{"a": 1}, Status: 200}},
	}}
	exec := newTestExecutor(t, backend, &fakeGenerator{})

	step := generatedStep("s1")
	step.ResponseMapping = "1 +* 2"

	res := (&DirectStrategy{exec: exec}).Execute(context.Background(), step, nil, nil,
		ExecutionOptions{}, RunMetadata{}, IntegrationContext{})
	if res.Success {
		t.Error("a failing mapping must fail the result")
	}
	if !strings.Contains(res.Error, "response mapping") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestDirectStrategyKeepsHealedConfigOnFailure(t *testing.T) {
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

	res := (&DirectStrategy{exec: exec}).Execute(context.Background(), generatedStep("s1"), nil, nil,
		ExecutionOptions{SelfHealing: true, Retries: intPtr(1)}, RunMetadata{}, IntegrationContext{})
	if res.Success {
		t.Fatal("exhausted retries must come back as a failed result")
	}
	if res.Status != 503 {
		t.Errorf("Status = %d, want 503", res.Status)
	}
	if res.Config.Kind != ConfigGenerated || res.Config.Generated != gen.generated {
		t.Error("failed result should report the last regenerated config")
	}
}

func TestDirectStrategyConvertsRaisedErrors(t *testing.T) {
	exec := newTestExecutor(t, &scriptedBackend{}, &fakeGenerator{})

	res := (&DirectStrategy{exec: exec}).Execute(context.Background(), &Step{ID: "s1"}, nil, nil,
		ExecutionOptions{}, RunMetadata{}, IntegrationContext{})
	if res.Success {
		t.Error("config-less step must come back as a failed result")
	}
	if res.Error == "" || res.Status == 0 {
		t.Errorf("result = %+v, want error and status populated", res)
	}
}
