package runtime

import (
	"context"
	"errors"
)

// Strategy runs a step end to end, converting every failure into a
// StepResult rather than propagating it; callers above the strategy layer
// never see a raised error.
type Strategy interface {
	Execute(ctx context.Context, step *Step, payload map[string]any, credentials map[string]string, opts ExecutionOptions, meta RunMetadata, integration IntegrationContext) *StepResult
}

// SelectStrategy dispatches purely on the step's declared execution mode:
// LOOP gets the loop strategy, everything else defaults to direct.
func SelectStrategy(exec *StepExecutor, step *Step) Strategy {
	if step.Mode == ModeLoop {
		return &LoopStrategy{exec: exec}
	}
	return &DirectStrategy{exec: exec}
}

// DirectStrategy calls the step executor exactly once with the step's own
// config and the unmodified payload, then applies the response mapping.
type DirectStrategy struct {
	exec *StepExecutor
}

func (s *DirectStrategy) Execute(ctx context.Context, step *Step, payload map[string]any, credentials map[string]string, opts ExecutionOptions, meta RunMetadata, integration IntegrationContext) *StepResult {
	s.exec.l.InfoContext(ctx, "executing step", "run", meta.RunID, "step", step.ID, "mode", "direct")

	result, err := s.exec.ExecuteStep(ctx, step, payload, credentials, opts, integration)
	if err != nil {
		return &StepResult{
			StepID:  step.ID,
			Success: false,
			Error:   err.Error(),
			Config:  configFromError(err, step.Config),
			Status:  StatusOf(err),
		}
	}

	transformed, err := applyMapping(s.exec.evaluator, step.ResponseMapping, result.RawData)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}
	result.TransformedData = transformed

	return result
}

// configFromError recovers the config of the last attempt from a raised
// error, so healing progress made before an exhausted-retries exit stays
// visible to the caller. Falls back when the error carries no config.
func configFromError(err error, fallback StepConfig) StepConfig {
	var stepErr *StepError
	if errors.As(err, &stepErr) && stepErr.Config.Resolved() {
		return stepErr.Config
	}
	return fallback
}

// applyMapping evaluates a response-mapping expression against the raw data.
// The data is reachable both as `data`/`sourceData` and, for object
// responses, through its own top-level keys. An empty mapping passes the
// data through unchanged.
func applyMapping(eval *ExpressionEvaluator, mapping string, data any) (any, error) {
	if mapping == "" {
		return data, nil
	}

	env := map[string]any{
		"data":       data,
		"sourceData": data,
	}
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			if k == "data" || k == "sourceData" {
				continue
			}
			env[k] = v
		}
	}

	transformed, err := eval.Eval(mapping, env)
	if err != nil {
		return nil, &StepError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeBadInput,
			Message: "error applying response mapping: " + err.Error(),
			Cause:   err,
		}
	}
	return transformed, nil
}
