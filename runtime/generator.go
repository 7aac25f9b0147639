package runtime

import "context"

// Message is one turn of the conversation history accumulated across failed
// attempts. It is passed opaquely to the generator so it can see what was
// already tried.
type Message struct {
	Role    string
	Content string
}

// GenerateInput is everything the external generator needs to synthesize a
// new step implementation: the config that failed, the data and credentials
// it ran with, how many times it failed, the failure conversation so far and
// a handle to the integration's documentation.
type GenerateInput struct {
	Config      StepConfig
	Instruction string
	InputData   map[string]any
	Credentials map[string]string
	RetryCount  int
	History     []Message
	Docs        DocsAccessor
}

// SelectorInput asks the generator for a new loop-selector expression,
// constrained to return an array when evaluated against Payload.
type SelectorInput struct {
	Selector    string
	Instruction string
	Payload     map[string]any
	History     []Message
}

// ValidateInput carries one attempt's outcome for semantic validation.
type ValidateInput struct {
	Config         StepConfig
	Instruction    string
	InputData      map[string]any
	Credentials    map[string]string
	Response       any
	ExecutionError string
	History        []Message
}

// ValidateResult is the validator's judgement of an attempt.
type ValidateResult struct {
	Validated bool
	Reason    string
}

// ConfigGenerator is the contract of the external code-generation oracle.
// The engine never looks inside it: it only needs new implementations on
// failure and judgements of whether a response satisfies the instruction.
type ConfigGenerator interface {
	GenerateConfig(ctx context.Context, in GenerateInput) (*GeneratedConfig, error)
	GenerateSelector(ctx context.Context, in SelectorInput) (string, error)
	ValidateResponse(ctx context.Context, in ValidateInput) (ValidateResult, error)
}
