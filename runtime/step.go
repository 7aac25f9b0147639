package runtime

import (
	"time"
)

// ExecutionMode selects how a step is run: a single backend call, or a loop
// over a collection selected from the payload.
type ExecutionMode string

const (
	ModeDirect ExecutionMode = "DIRECT"
	ModeLoop   ExecutionMode = "LOOP"
)

// FailureBehavior tells the surrounding run what to do when a step fails.
type FailureBehavior string

const (
	FailureBehaviorFail     FailureBehavior = "fail"
	FailureBehaviorContinue FailureBehavior = "continue"
)

// PaginationType identifies the paging scheme of a declarative config.
type PaginationType string

const (
	PaginationDisabled    PaginationType = "disabled"
	PaginationOffsetBased PaginationType = "offsetBased"
	PaginationPageBased   PaginationType = "pageBased"
	PaginationCursorBased PaginationType = "cursorBased"
)

// Pagination configures page traversal for declarative HTTP configs.
// PageSize becomes available to templates as sourceData.limit; the current
// offset, page and cursor are exposed as sourceData.offset, sourceData.page
// and sourceData.cursor.
type Pagination struct {
	Type          PaginationType `json:"type" yaml:"type"`
	PageSize      int            `json:"pageSize" yaml:"pageSize"`
	CursorPath    string         `json:"cursorPath" yaml:"cursorPath"`
	StopCondition string         `json:"stopCondition" yaml:"stopCondition"`
	MaxPages      int            `json:"maxPages" yaml:"maxPages"`
}

// DeclarativeConfig is the author-provided description of a backend call.
// String fields may contain <<...>> template expressions evaluated against
// sourceData and credentials before execution.
type DeclarativeConfig struct {
	URL         string            `json:"url" yaml:"url"`
	Method      string            `json:"method" yaml:"method"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	QueryParams map[string]string `json:"queryParams" yaml:"queryParams"`
	Body        string            `json:"body" yaml:"body"`
	AuthKind    string            `json:"authKind" yaml:"authKind"`
	Pagination  *Pagination       `json:"pagination" yaml:"pagination"`
	DataPath    string            `json:"dataPath" yaml:"dataPath"`
}

// PageState is the pagination position handed to a request builder.
type PageState struct {
	Page         int
	Offset       int
	Limit        int
	Cursor       any
	TotalFetched int
}

// BuildInput is the argument to a generated request builder.
type BuildInput struct {
	InputData   map[string]any
	Credentials map[string]string
	Pagination  PageState
}

// RequestBuilder is a synthesized implementation of "how to make this call".
type RequestBuilder func(in BuildInput) (*ResolvedRequest, error)

// PageInput is the argument to a generated pagination handler.
type PageInput struct {
	Response *BackendResponse
	PageInfo PageState
}

// PageDirective is a pagination handler's verdict for one fetched page.
type PageDirective struct {
	HasMore    bool
	ResultSize int
	Cursor     any
}

// PaginationHandler decides whether another page should be fetched.
type PaginationHandler func(in PageInput) (PageDirective, error)

// GeneratedConfig is an executable implementation synthesized by the config
// generator, replacing a declarative config after self-healing.
type GeneratedConfig struct {
	BuildRequest RequestBuilder
	HandlePage   PaginationHandler
}

// ConfigKind discriminates the StepConfig union.
type ConfigKind string

const (
	ConfigDeclarative ConfigKind = "declarative"
	ConfigGenerated   ConfigKind = "generated"
)

// StepConfig is a tagged union of the two representations of a step's
// implementation. Exactly one payload is set at a time; self-healing may
// replace a declarative config with a generated one, never both.
type StepConfig struct {
	Kind        ConfigKind
	Declarative *DeclarativeConfig
	Generated   *GeneratedConfig
}

// Resolved reports whether the config carries a usable implementation.
func (c StepConfig) Resolved() bool {
	switch c.Kind {
	case ConfigDeclarative:
		return c.Declarative != nil
	case ConfigGenerated:
		return c.Generated != nil && c.Generated.BuildRequest != nil
	}
	return false
}

// Step is a single unit of work against an external backend. The URL scheme
// selects the backend protocol (http/https, postgres, ftp/ftps/sftp).
type Step struct {
	ID              string          `json:"id" yaml:"id"`
	URL             string          `json:"url" yaml:"url"`
	Method          string          `json:"method" yaml:"method"`
	IntegrationID   string          `json:"integrationId" yaml:"integrationId"`
	Instruction     string          `json:"instruction" yaml:"instruction"`
	Mode            ExecutionMode   `json:"executionMode" yaml:"executionMode"`
	LoopSelector    string          `json:"loopSelector" yaml:"loopSelector"`
	LoopMaxIters    int             `json:"loopMaxIters" yaml:"loopMaxIters"`
	ResponseMapping string          `json:"responseMapping" yaml:"responseMapping"`
	FailureBehavior FailureBehavior `json:"failureBehavior" yaml:"failureBehavior"`
	Config          StepConfig      `json:"-" yaml:"-"`
}

// ExecutionOptions is the per-call policy. Passed by value down the chain.
type ExecutionOptions struct {
	SelfHealing bool
	Retries     *int
	Timeout     time.Duration
	TestMode    bool
}

// ResolvedRequest is a fully materialized backend call: every template has
// been evaluated and credentials have already been scoped.
type ResolvedRequest struct {
	URL         string
	Method      string
	Headers     map[string]string
	QueryParams map[string]string
	Body        string
	Credentials map[string]string
}

// BackendResponse is the raw outcome of a backend call.
type BackendResponse struct {
	Data    any
	Status  int
	Headers map[string]string
}

// StepResult is the output record of one step execution. Config carries the
// configuration actually used, including any healing applied during the run,
// so callers can inspect or reuse it even when the step failed.
type StepResult struct {
	StepID          string
	Success         bool
	RawData         any
	TransformedData any
	Error           string
	Config          StepConfig
	Status          int
}

// IntegrationContext identifies the backend integration a step runs against:
// its credential scope and a handle to its documentation.
type IntegrationContext struct {
	ID   string
	Docs DocsAccessor
}
