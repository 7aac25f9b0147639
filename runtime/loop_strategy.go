package runtime

import (
	"context"
	"fmt"
	"strings"
)

// LoopStrategy evaluates the step's loop selector against the payload,
// iterates sequentially over the selected collection, and threads any healed
// configuration forward so a fix discovered on iteration k is reused by
// iterations k+1..n instead of being rediscovered per item.
type LoopStrategy struct {
	exec *StepExecutor
}

func (s *LoopStrategy) Execute(ctx context.Context, step *Step, payload map[string]any, credentials map[string]string, opts ExecutionOptions, meta RunMetadata, integration IntegrationContext) *StepResult {
	s.exec.l.InfoContext(ctx, "executing step", "run", meta.RunID, "step", step.ID, "mode", "loop")

	items, selector, err := s.selectCollection(ctx, step, payload, opts)
	if err != nil {
		return &StepResult{
			StepID:  step.ID,
			Success: false,
			Error:   err.Error(),
			Config:  step.Config,
			Status:  StatusOf(err),
		}
	}

	maxIters := step.LoopMaxIters
	if maxIters <= 0 {
		maxIters = s.exec.cfg.LoopMaxIters
	}
	if len(items) > maxIters {
		// Hard cap to bound worst-case cost; the tail is dropped.
		s.exec.l.InfoContext(ctx, "truncating loop collection", "step", step.ID,
			"selected", len(items), "cap", maxIters)
		items = items[:maxIters]
	}

	// Run-scoped copy: healing is threaded through this copy and reported in
	// the result's Config; the caller's step definition is never mutated.
	runStep := *step
	runStep.LoopSelector = selector

	var successfulConfig *StepConfig
	rawAll := make([]any, 0, len(items))
	transformedAll := make([]any, 0, len(items))
	var errs []string
	allOK := true
	status := 0

	iterOpts := opts
	// Test-mode semantics apply to the top-level invocation only.
	iterOpts.TestMode = false

	for i, item := range items {
		iterPayload := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			iterPayload[k] = v
		}
		FlattenInto(iterPayload, "currentItem", item)

		if successfulConfig != nil {
			runStep.Config = *successfulConfig
		}

		res, iterErr := s.exec.ExecuteStep(ctx, &runStep, iterPayload, credentials, iterOpts, integration)
		if iterErr != nil {
			wrapped := fmt.Sprintf("loop iteration %d of %d failed (item: %s): %v",
				i+1, len(items), PreviewJSON(item, 120), iterErr)
			if step.FailureBehavior == FailureBehaviorContinue {
				rawAll = append(rawAll, nil)
				transformedAll = append(transformedAll, nil)
				errs = append(errs, wrapped)
				allOK = false
				status = StatusOf(iterErr)
				continue
			}
			// Fail fast by default: no partial-results contract. Healing
			// progress made before this point stays visible in the returned
			// config.
			return &StepResult{
				StepID:  step.ID,
				Success: false,
				Error:   wrapped,
				Config:  runStep.Config,
				Status:  StatusOf(iterErr),
			}
		}

		if res.Config != runStep.Config {
			healed := res.Config
			successfulConfig = &healed
			runStep.Config = healed
		}

		composite := map[string]any{
			"currentItem": item,
			"data":        res.RawData,
		}
		if m, ok := res.RawData.(map[string]any); ok {
			for k, v := range m {
				composite[k] = v
			}
		}

		transformed, mapErr := applyMapping(s.exec.evaluator, step.ResponseMapping, composite)
		if mapErr != nil {
			res.Success = false
			res.Error = mapErr.Error()
			transformed = nil
		}

		rawAll = append(rawAll, res.RawData)
		transformedAll = append(transformedAll, transformed)
		allOK = allOK && res.Success
		if res.Error != "" {
			errs = append(errs, res.Error)
		}
		status = res.Status
	}

	return &StepResult{
		StepID:          step.ID,
		Success:         allOK,
		RawData:         rawAll,
		TransformedData: transformedAll,
		Error:           strings.Join(errs, "\n"),
		Config:          runStep.Config,
		Status:          status,
	}
}

// selectCollection evaluates the loop selector and enforces the structural
// contract that it yields an array. When self-healing is enabled a failing
// selector is regenerated at most once per invocation; this regeneration is
// independent of the step executor's own retry budget.
func (s *LoopStrategy) selectCollection(ctx context.Context, step *Step, payload map[string]any, opts ExecutionOptions) ([]any, string, error) {
	env := map[string]any{"sourceData": payload}

	value, evalErr := s.exec.evaluator.Eval(step.LoopSelector, env)
	if evalErr == nil {
		if items, ok := ToArray(value); ok {
			return items, step.LoopSelector, nil
		}
	}

	if !opts.SelfHealing {
		return nil, "", &StepError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeLoopSelector,
			Message: fmt.Sprintf("loop selector %q did not produce an array; fix the selector or enable self-healing", step.LoopSelector),
			Step:    step.ID,
		}
	}

	newSelector, err := s.exec.generator.GenerateSelector(ctx, SelectorInput{
		Selector:    step.LoopSelector,
		Instruction: step.Instruction,
		Payload:     payload,
	})
	if err != nil {
		return nil, "", &StepError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeLoopSelector,
			Message: fmt.Sprintf("loop selector regeneration failed: %v", err),
			Step:    step.ID,
			Cause:   err,
		}
	}

	value, evalErr = s.exec.evaluator.Eval(newSelector, env)
	if evalErr == nil {
		if items, ok := ToArray(value); ok {
			s.exec.l.InfoContext(ctx, "loop selector regenerated", "step", step.ID, "selector", newSelector)
			return items, newSelector, nil
		}
	}

	return nil, "", &StepError{
		Type:    ErrorTypePermanent,
		Code:    ErrorCodeLoopSelector,
		Message: fmt.Sprintf("regenerated loop selector %q still did not produce an array", newSelector),
		Step:    step.ID,
	}
}
