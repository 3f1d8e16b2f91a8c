package budget

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/austudio/pkg/codegen"
)

// ErrOverBudget is returned when a request cannot fit the model's context
// window. Callers match it with errors.Is.
var ErrOverBudget = errors.New("request exceeds the model's context window")

// Engine estimates the token footprint of generation requests and refuses
// those that cannot fit. Refine requests carry the whole project, so a large
// project can blow the window before the backend ever sees the prompt.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a budget engine for the given model.
// model selects the tokenizer (e.g. "gpt-4"); unknown models fall back to
// cl100k_base. maxTokens is the model's context window size and reserve is
// the number of tokens held back for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if reserve >= maxTokens {
		return nil, fmt.Errorf("reserve %d must be smaller than window %d", reserve, maxTokens)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// EstimateRequest returns the approximate token cost of sending prompt plus
// the serialized project. File paths and contents dominate; per-file framing
// overhead is covered by a small constant.
func (e *Engine) EstimateRequest(prompt string, project *codegen.AusProject) int {
	const perFileOverhead = 8

	total := e.countTokens(prompt)
	if project == nil {
		return total
	}

	total += e.countTokens(project.Name)
	total += e.countTokens(project.Description)
	for _, f := range project.Files {
		total += e.countTokens(f.Path)
		total += e.countTokens(f.Content)
		total += perFileOverhead
	}
	for name, version := range project.FrontendDeps {
		total += e.countTokens(name + version)
	}
	for name, version := range project.BackendDeps {
		total += e.countTokens(name + version)
	}
	return total
}

// Check refuses requests whose estimate does not leave the reserved response
// budget free. Satisfies the session's pre-flight guard.
func (e *Engine) Check(prompt string, project *codegen.AusProject) error {
	limit := e.maxTokens - e.reserve
	if estimate := e.EstimateRequest(prompt, project); estimate > limit {
		return fmt.Errorf("estimated %d tokens, limit %d: %w", estimate, limit, ErrOverBudget)
	}
	return nil
}
