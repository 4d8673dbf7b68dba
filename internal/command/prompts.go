package command

import (
	"github.com/vibeai/vibe-core/internal/classifier"
	"github.com/vibeai/vibe-core/internal/contextcache"
	"github.com/vibeai/vibe-core/internal/llm/types"
)

var systemPrompts = map[classifier.Category]string{
	classifier.Simple:  "You are a helpful AI assistant for digital agencies. Keep responses concise and actionable.",
	classifier.Content: "You are an expert content creator for digital marketing agencies. Create engaging, conversion-focused content that follows best practices.",
	classifier.Complex: "You are a senior digital marketing strategist. Provide comprehensive solutions, strategies, and implementations for agency operations.",
	classifier.Bulk:    "You are an AI operations specialist handling large-scale tasks across multiple clients. Be efficient and maintain consistency across all operations.",
}

// SystemPrompt returns the system prompt for a category. Unknown categories
// get the complex prompt.
func SystemPrompt(c classifier.Category) string {
	if p, ok := systemPrompts[c]; ok {
		return p
	}
	return systemPrompts[classifier.Complex]
}

// BuildPrompt assembles the generation request for text in the given context.
func BuildPrompt(c classifier.Category, snap *contextcache.Snapshot, text string) types.CompletionRequest {
	return types.CompletionRequest{
		System: SystemPrompt(c),
		Messages: []types.Message{
			{Role: "user", Content: contextcache.FormatForGeneration(snap) + "\n\nCommand: " + text},
		},
	}
}
