package workflow

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxValidationAttempts = 2
	DefaultPageSize              = 10
	MaxPageSize                  = 200
	DefaultLLMTimeout            = 60 * time.Second
	DefaultDBTimeout             = 60 * time.Second
	DefaultTurnTimeout           = 300 * time.Second
	DefaultSubQuestionsMin       = 2
	DefaultSubQuestionsMax       = 6
	DefaultMemoryTopK            = 3
	DefaultExploreLimit          = 30
	// Country-like columns get a wider probe.
	WideExploreLimit = 50
)

// Options are the tunables of the generator workflow (spec'd configuration
// surface; env parsing lives in api/config).
type Options struct {
	UseMemory bool
	UseCache  bool

	MaxValidationAttempts int
	AutoFix               bool

	PageSizeDefault int
	PageSizeMax     int

	LLMTimeout  time.Duration
	DBTimeout   time.Duration
	TurnTimeout time.Duration

	ChatModel       string
	EmbeddingsModel string

	SubQuestionsMin int
	SubQuestionsMax int
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	return Options{
		UseMemory:             true,
		UseCache:              true,
		MaxValidationAttempts: DefaultMaxValidationAttempts,
		AutoFix:               true,
		PageSizeDefault:       DefaultPageSize,
		PageSizeMax:           MaxPageSize,
		LLMTimeout:            DefaultLLMTimeout,
		DBTimeout:             DefaultDBTimeout,
		TurnTimeout:           DefaultTurnTimeout,
		SubQuestionsMin:       DefaultSubQuestionsMin,
		SubQuestionsMax:       DefaultSubQuestionsMax,
	}
}

// normalized fills zero fields with defaults.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxValidationAttempts <= 0 {
		o.MaxValidationAttempts = d.MaxValidationAttempts
	}
	if o.PageSizeDefault <= 0 {
		o.PageSizeDefault = d.PageSizeDefault
	}
	if o.PageSizeMax <= 0 {
		o.PageSizeMax = d.PageSizeMax
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = d.LLMTimeout
	}
	if o.DBTimeout <= 0 {
		o.DBTimeout = d.DBTimeout
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = d.TurnTimeout
	}
	if o.SubQuestionsMin < 2 {
		o.SubQuestionsMin = d.SubQuestionsMin
	}
	if o.SubQuestionsMax <= 0 || o.SubQuestionsMax > 6 {
		o.SubQuestionsMax = d.SubQuestionsMax
	}
	return o
}

// Config wires the workflow's collaborators.
type Config struct {
	Logger   *slog.Logger
	LLM      LLMClient
	Executor Executor
	Schema   SchemaProvider
	Memory   Memory
	Cache    QueryCache
	Prompts  PromptsProvider
	Options  Options
}

// validate checks the required collaborators.
func (c *Config) validate() error {
	if c.LLM == nil {
		return fmt.Errorf("LLM client is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Schema == nil {
		return fmt.Errorf("schema provider is required")
	}
	if c.Prompts == nil {
		return fmt.Errorf("prompts are required")
	}
	return nil
}

// PromptsProvider provides access to prompt templates.
type PromptsProvider interface {
	// GetPrompt returns the prompt content for the given name.
	GetPrompt(name string) string
}
