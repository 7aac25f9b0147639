package runtime

import (
	"context"
	"fmt"
	"log/slog"
)

// StepExecutor runs a single step's attempt loop: resolve the config, execute
// it against the matching backend, classify the outcome, and, when
// self-healing is enabled, regenerate the implementation and try again
// within the retry budget.
type StepExecutor struct {
	l         *slog.Logger
	container *Container
	evaluator *ExpressionEvaluator
	generator ConfigGenerator
	cfg       EngineConfig
}

func NewStepExecutor(l *slog.Logger, container *Container, evaluator *ExpressionEvaluator, generator ConfigGenerator, cfg EngineConfig) *StepExecutor {
	return &StepExecutor{
		l:         l,
		container: container,
		evaluator: evaluator,
		generator: generator,
		cfg:       cfg,
	}
}

// ExecuteStep runs one step to completion. It returns a StepResult on any
// accepted outcome (including a first-attempt backend failure when
// self-healing is off and test mode is not set), and an error only when no
// config is resolvable, the generator itself fails, or the retry budget is
// exhausted without a validated attempt.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step *Step, input map[string]any, credentials map[string]string, opts ExecutionOptions, integration IntegrationContext) (*StepResult, error) {
	config := step.Config
	if !config.Resolved() {
		return nil, &StepError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeConfigAbsent,
			Message: "step has neither a declarative nor a generated config",
			Step:    step.ID,
		}
	}

	integrationID := integration.ID
	if integrationID == "" {
		integrationID = step.IntegrationID
	}
	scoped := ScopeCredentials(credentials, integrationID)

	maxRetries := 0
	if opts.SelfHealing {
		maxRetries = e.cfg.MaxRetries
		if opts.Retries != nil {
			maxRetries = *opts.Retries
		}
	}

	state := RetryState{}
	for state.Count <= maxRetries {
		if state.Count > 0 {
			generated, err := e.generator.GenerateConfig(ctx, GenerateInput{
				Config:      config,
				Instruction: step.Instruction,
				InputData:   input,
				Credentials: scoped,
				RetryCount:  state.Count,
				History:     state.History,
				Docs:        integration.Docs,
			})
			if err != nil {
				// A broken generator will not produce a different answer on
				// the next attempt; abort instead of burning the budget.
				return nil, &StepError{
					Type:    ErrorTypePermanent,
					Code:    ErrorCodeGenerationFailed,
					Message: fmt.Sprintf("config generation failed: %v", err),
					Step:    step.ID,
					Retries: state.Count,
					Cause:   err,
				}
			}
			config = StepConfig{Kind: ConfigGenerated, Generated: generated}
			e.l.InfoContext(ctx, "regenerated step config", "step", step.ID, "retry", state.Count)
		}

		resp, execErr := e.runRequest(ctx, step, config, input, scoped, opts)

		attempt := Attempt{}
		if execErr != nil {
			attempt.ExecutionError = execErr.Error()
			attempt.Status = StatusOf(execErr)
		} else {
			attempt.Status = resp.Status
		}

		if ValidationRequired(opts.SelfHealing, opts.TestMode, state.Count) {
			attempt.ValidationRan = true
			var responseData any
			if resp != nil {
				responseData = resp.Data
			}
			verdict, err := e.generator.ValidateResponse(ctx, ValidateInput{
				Config:         config,
				Instruction:    step.Instruction,
				InputData:      input,
				Credentials:    scoped,
				Response:       responseData,
				ExecutionError: attempt.ExecutionError,
				History:        state.History,
			})
			if err != nil {
				attempt.ValidationReason = fmt.Sprintf("validation call failed: %v", err)
			} else {
				attempt.Validated = verdict.Validated
				attempt.ValidationReason = verdict.Reason
			}
		}

		if attempt.Succeeded() {
			result := &StepResult{
				StepID:  step.ID,
				Success: true,
				Config:  config,
				Status:  attempt.Status,
			}
			if resp != nil {
				result.RawData = resp.Data
			}
			if !attempt.ValidationRan && execErr != nil {
				// Self-healing fully disabled, not in test mode: the caller
				// interprets the execution error itself.
				result.Error = attempt.ExecutionError
				e.l.InfoContext(ctx, "accepting step without validation despite execution error",
					"step", step.ID, "error", attempt.ExecutionError)
			}
			return result, nil
		}

		state = NextState(state, attempt)
		e.l.InfoContext(ctx, "step attempt failed", "step", step.ID,
			"attempt", state.Count, "status", state.LastStatus, "error", state.LastError)

		if !opts.SelfHealing {
			break
		}
	}

	return nil, &StepError{
		Type:    ErrorTypeTransient,
		Code:    ErrorCodeRetriesExhausted,
		Message: fmt.Sprintf("step failed after %d attempt(s): %s", state.Count, state.LastError),
		Step:    step.ID,
		Status:  state.LastStatus,
		Retries: state.Count,
		Config:  config,
	}
}

// runRequest materializes the config into per-page requests, executes them
// against the backend selected by URL scheme, and aggregates paginated
// results. Every failure path comes back as an error; nothing escapes as a
// panic, even from externally supplied builder code.
func (e *StepExecutor) runRequest(ctx context.Context, step *Step, config StepConfig, input map[string]any, credentials map[string]string, opts ExecutionOptions) (resp *BackendResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("request builder panicked: %v", r)
		}
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var build RequestBuilder
	var pager PaginationHandler
	dataPath := ""
	pageLimit := 0
	maxPages := e.cfg.MaxPages

	switch config.Kind {
	case ConfigDeclarative:
		build = declarativeBuilder(e.evaluator, step, config.Declarative)
		pager = declarativePager(e.evaluator, config.Declarative)
		dataPath = config.Declarative.DataPath
		if p := config.Declarative.Pagination; p != nil {
			pageLimit = p.PageSize
			if pageLimit <= 0 && p.Type != PaginationDisabled && p.Type != "" {
				pageLimit = defaultPageSize
			}
			if p.MaxPages > 0 && p.MaxPages < maxPages {
				maxPages = p.MaxPages
			}
		}
	case ConfigGenerated:
		build = config.Generated.BuildRequest
		pager = config.Generated.HandlePage
	default:
		return nil, fmt.Errorf("unresolvable step config")
	}

	pageState := PageState{Limit: pageLimit}
	var pages []any
	var last *BackendResponse

	for page := 0; page < maxPages; page++ {
		pageState.Page = page

		req, buildErr := build(BuildInput{
			InputData:   input,
			Credentials: credentials,
			Pagination:  pageState,
		})
		if buildErr != nil {
			return nil, fmt.Errorf("error building request: %w", buildErr)
		}

		backend, lookupErr := e.container.BackendFor(req.URL)
		if lookupErr != nil {
			return nil, lookupErr
		}

		pageResp, execErr := backend.Execute(ctx, req)
		if execErr != nil {
			return nil, execErr
		}
		last = pageResp

		pageData := pageResp.Data
		if dataPath != "" {
			pageData = ExtractPath(pageResp.Data, dataPath)
		}
		pages = append(pages, pageData)

		if pager == nil {
			break
		}

		directive, pageErr := pager(PageInput{Response: pageResp, PageInfo: pageState})
		if pageErr != nil {
			return nil, fmt.Errorf("error handling pagination: %w", pageErr)
		}
		pageState.TotalFetched += directive.ResultSize
		pageState.Offset += directive.ResultSize
		pageState.Cursor = directive.Cursor
		if !directive.HasMore {
			break
		}
	}

	if last == nil {
		return nil, fmt.Errorf("no data returned")
	}

	aggregated := aggregatePages(pages)
	if aggregated == nil {
		return nil, fmt.Errorf("no data returned")
	}

	return &BackendResponse{
		Data:    aggregated,
		Status:  last.Status,
		Headers: last.Headers,
	}, nil
}

// aggregatePages joins per-page payloads: a single page passes through
// unchanged, multiple array pages concatenate in fetch order.
func aggregatePages(pages []any) any {
	if len(pages) == 0 {
		return nil
	}
	if len(pages) == 1 {
		return pages[0]
	}

	var out []any
	for _, page := range pages {
		if items, ok := ToArray(page); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, page)
	}
	return out
}
