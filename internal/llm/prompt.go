package llm

import (
	"fmt"

	"github.com/diagramforge/broker/internal/job"
)

// DefaultModel is the fixed model identifier spec §6.2 calls for.
const DefaultModel = "diagram-gen-1"

// systemPrompts maps a requested icon-family style to its fixed system
// prompt (spec §6.1/§6.2). Styles not listed fall back to "generic".
var systemPrompts = map[string]string{
	"azure":   "You produce runnable diagram-as-code source using Azure icon conventions. Respond with only the source, fenced in triple backticks.",
	"aws":     "You produce runnable diagram-as-code source using AWS icon conventions. Respond with only the source, fenced in triple backticks.",
	"gcp":     "You produce runnable diagram-as-code source using GCP icon conventions. Respond with only the source, fenced in triple backticks.",
	"k8s":     "You produce runnable diagram-as-code source using Kubernetes icon conventions. Respond with only the source, fenced in triple backticks.",
	"generic": "You produce runnable diagram-as-code source using generic shapes. Respond with only the source, fenced in triple backticks.",
}

// PromptBuilder builds the fixed-model, fixed-system-prompt chat request for
// a job (spec §6.2), satisfying executor.PromptBuilder structurally.
type PromptBuilder struct {
	Model string
}

// NewPromptBuilder builds a PromptBuilder using DefaultModel.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{Model: DefaultModel}
}

// Build constructs the request for j: system prompt selected from style,
// plus the user prompt (spec §6.1's prompt, or a templateId reference if no
// prompt was supplied).
func (b *PromptBuilder) Build(j *job.Job) ChatRequest {
	system, ok := systemPrompts[j.Spec.Style]
	if !ok {
		system = systemPrompts["generic"]
	}

	userPrompt := j.Spec.Prompt
	if userPrompt == "" {
		userPrompt = fmt.Sprintf("Use template %q.", j.Spec.TemplateID)
	}

	return ChatRequest{
		Model: b.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: userPrompt},
		},
	}
}
