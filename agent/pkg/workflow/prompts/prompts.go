// Package prompts holds the versioned prompt templates for the generator
// workflow. Templates are markdown files embedded at build time; placeholders
// are bound by name with {{NAME}} markers.
package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed *.md
var FS embed.FS

// Prompts contains all workflow prompts loaded from embedded files.
type Prompts struct {
	Router     string // question routing / classification
	Generate   string // SQL generation (composed with SQL_CONTEXT)
	Plan       string // analytical sub-question planning
	Synthesize string // analytical narrative synthesis
	Respond    string // standard-path response synthesis
	Verify     string // edit-statement verification
	Visualize  string // chart recommendation
	SQLContext string // shared SQL dialect context
}

// GetPrompt returns the prompt content for the given name.
// This implements the workflow.PromptsProvider interface.
func (p *Prompts) GetPrompt(name string) string {
	switch name {
	case "router":
		return p.Router
	case "generate":
		return p.Generate
	case "plan":
		return p.Plan
	case "synthesize":
		return p.Synthesize
	case "respond":
		return p.Respond
	case "verify":
		return p.Verify
	case "visualize":
		return p.Visualize
	default:
		return ""
	}
}

// Load reads all prompts from the embedded filesystem.
func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error

	// Load SQL_CONTEXT first (shared content)
	if p.SQLContext, err = load("SQL_CONTEXT.md"); err != nil {
		return nil, fmt.Errorf("failed to load SQL_CONTEXT: %w", err)
	}

	if p.Router, err = load("ROUTER.md"); err != nil {
		return nil, fmt.Errorf("failed to load ROUTER: %w", err)
	}

	// GENERATE composes with SQL_CONTEXT
	rawGenerate, err := load("GENERATE.md")
	if err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	p.Generate = strings.ReplaceAll(rawGenerate, "{{SQL_CONTEXT}}", p.SQLContext)

	if p.Plan, err = load("PLAN.md"); err != nil {
		return nil, fmt.Errorf("failed to load PLAN: %w", err)
	}
	if p.Synthesize, err = load("SYNTHESIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYNTHESIZE: %w", err)
	}
	if p.Respond, err = load("RESPOND.md"); err != nil {
		return nil, fmt.Errorf("failed to load RESPOND: %w", err)
	}
	if p.Verify, err = load("VERIFY.md"); err != nil {
		return nil, fmt.Errorf("failed to load VERIFY: %w", err)
	}
	if p.Visualize, err = load("VISUALIZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load VISUALIZE: %w", err)
	}

	return p, nil
}

func load(path string) (string, error) {
	data, err := FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Bind replaces {{NAME}} placeholders with the given values.
func Bind(template string, values map[string]string) string {
	out := template
	for name, value := range values {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
