package relay

import (
	"strings"
	"unicode"
)

const defaultPipeName = "Azure AI"

// ParseModels splits a list of model names separated by commas, semicolons,
// or whitespace in any mixture. Empty tokens are dropped.
func ParseModels(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ',' || unicode.IsSpace(r)
	})
}

// isSingleModel reports whether a configured model string names exactly one
// model. Only ';', ',' and ' ' count as separators here.
func isSingleModel(s string) bool {
	return s != "" && !strings.ContainsAny(s, ";, ")
}

// PredefinedModels returns the catalog of Azure AI models offered when no
// model list is configured and predefined models are enabled.
func PredefinedModels() []Pipe {
	out := make([]Pipe, len(predefinedModels))
	copy(out, predefinedModels)
	return out
}

var predefinedModels = []Pipe{
	{ID: "AI21-Jamba-1.5-Large", Name: "AI21 Jamba 1.5 Large"},
	{ID: "AI21-Jamba-1.5-Mini", Name: "AI21 Jamba 1.5 Mini"},
	{ID: "Codestral-2501", Name: "Codestral 25.01"},
	{ID: "Cohere-command-r", Name: "Cohere Command R"},
	{ID: "Cohere-command-r-08-2024", Name: "Cohere Command R 08-2024"},
	{ID: "Cohere-command-r-plus", Name: "Cohere Command R+"},
	{ID: "Cohere-command-r-plus-08-2024", Name: "Cohere Command R+ 08-2024"},
	{ID: "cohere-command-a", Name: "Cohere Command A"},
	{ID: "DeepSeek-R1", Name: "DeepSeek-R1"},
	{ID: "DeepSeek-V3", Name: "DeepSeek-V3"},
	{ID: "DeepSeek-V3-0324", Name: "DeepSeek-V3-0324"},
	{ID: "jais-30b-chat", Name: "JAIS 30b Chat"},
	{ID: "Llama-3.2-11B-Vision-Instruct", Name: "Llama-3.2-11B-Vision-Instruct"},
	{ID: "Llama-3.2-90B-Vision-Instruct", Name: "Llama-3.2-90B-Vision-Instruct"},
	{ID: "Llama-3.3-70B-Instruct", Name: "Llama-3.3-70B-Instruct"},
	{ID: "Meta-Llama-3-70B-Instruct", Name: "Meta-Llama-3-70B-Instruct"},
	{ID: "Meta-Llama-3-8B-Instruct", Name: "Meta-Llama-3-8B-Instruct"},
	{ID: "Meta-Llama-3.1-405B-Instruct", Name: "Meta-Llama-3.1-405B-Instruct"},
	{ID: "Meta-Llama-3.1-70B-Instruct", Name: "Meta-Llama-3.1-70B-Instruct"},
	{ID: "Meta-Llama-3.1-8B-Instruct", Name: "Meta-Llama-3.1-8B-Instruct"},
	{ID: "Ministral-3B", Name: "Ministral 3B"},
	{ID: "Mistral-large", Name: "Mistral Large"},
	{ID: "Mistral-large-2407", Name: "Mistral Large (2407)"},
	{ID: "Mistral-Large-2411", Name: "Mistral Large 24.11"},
	{ID: "Mistral-Nemo", Name: "Mistral Nemo"},
	{ID: "Mistral-small", Name: "Mistral Small"},
	{ID: "mistral-small-2503", Name: "Mistral Small 3.1"},
	{ID: "gpt-4o", Name: "OpenAI GPT-4o"},
	{ID: "gpt-4o-mini", Name: "OpenAI GPT-4o mini"},
	{ID: "gpt-4.1", Name: "OpenAI GPT-4.1"},
	{ID: "gpt-4.1-mini", Name: "OpenAI GPT-4.1 Mini"},
	{ID: "gpt-4.1-nano", Name: "OpenAI GPT-4.1 Nano"},
	{ID: "o1", Name: "OpenAI o1"},
	{ID: "o1-mini", Name: "OpenAI o1-mini"},
	{ID: "o1-preview", Name: "OpenAI o1-preview"},
	{ID: "o3", Name: "OpenAI o3"},
	{ID: "o3-mini", Name: "OpenAI o3-mini"},
	{ID: "o4-mini", Name: "OpenAI o4-mini"},
	{ID: "Phi-3-medium-128k-instruct", Name: "Phi-3-medium instruct (128k)"},
	{ID: "Phi-3-medium-4k-instruct", Name: "Phi-3-medium instruct (4k)"},
	{ID: "Phi-3-mini-128k-instruct", Name: "Phi-3-mini instruct (128k)"},
	{ID: "Phi-3-mini-4k-instruct", Name: "Phi-3-mini instruct (4k)"},
	{ID: "Phi-3-small-128k-instruct", Name: "Phi-3-small instruct (128k)"},
	{ID: "Phi-3-small-8k-instruct", Name: "Phi-3-small instruct (8k)"},
	{ID: "Phi-3.5-mini-instruct", Name: "Phi-3.5-mini instruct (128k)"},
	{ID: "Phi-3.5-MoE-instruct", Name: "Phi-3.5-MoE instruct (128k)"},
	{ID: "Phi-3.5-vision-instruct", Name: "Phi-3.5-vision instruct (128k)"},
	{ID: "Phi-4", Name: "Phi-4"},
	{ID: "Phi-4-mini-instruct", Name: "Phi-4 mini instruct"},
	{ID: "Phi-4-multimodal-instruct", Name: "Phi-4 multimodal instruct"},
	{ID: "Phi-4-reasoning", Name: "Phi-4 Reasoning"},
	{ID: "Phi-4-mini-reasoning", Name: "Phi-4 Mini Reasoning"},
	{ID: "MAI-DS-R1", Name: "Microsoft Deepseek R1"},
}

// Pipes lists the models the host should offer for selection.
func (r *Relay) Pipes() []Pipe {
	if r.cfg.Model != "" {
		models := ParseModels(r.cfg.Model)
		if len(models) == 0 {
			return []Pipe{{ID: r.cfg.Model, Name: r.cfg.Model}}
		}
		pipes := make([]Pipe, len(models))
		for i, m := range models {
			pipes[i] = Pipe{ID: m, Name: m}
		}
		return pipes
	}
	if r.cfg.UsePredefinedModels {
		return PredefinedModels()
	}
	return []Pipe{{ID: defaultPipeName, Name: defaultPipeName}}
}

// Name is the display prefix the host shows in front of each pipe.
func (r *Relay) Name() string {
	if r.cfg.Model != "" || r.cfg.UsePredefinedModels {
		return "Azure AI: "
	}
	return "Github Azure AI"
}
