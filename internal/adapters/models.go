package adapters

import (
	"sort"
	"strings"
)

const (
	// DefaultModel is used when a requested model is unknown.
	DefaultModel = "claude-sonnet-4-5"

	// WebSearchModel is the only backend model that serves built-in search.
	WebSearchModel = "gemini-2.5-flash"
)

// modelTable maps client-facing model names to backend model names.
var modelTable = map[string]string{
	// Claude
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":          "claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-opus-4":              "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-haiku-4":             "claude-sonnet-4-5",
	"claude-3-haiku-20240307":    "claude-sonnet-4-5",
	"claude-haiku-4-5-20251001":  "claude-sonnet-4-5",

	// OpenAI
	"gpt-4":                  "gemini-2.5-pro",
	"gpt-4-turbo":            "gemini-2.5-pro",
	"gpt-4-turbo-preview":    "gemini-2.5-pro",
	"gpt-4-0125-preview":     "gemini-2.5-pro",
	"gpt-4-1106-preview":     "gemini-2.5-pro",
	"gpt-4-0613":             "gemini-2.5-pro",
	"gpt-4o":                 "gemini-2.5-pro",
	"gpt-4o-2024-05-13":      "gemini-2.5-pro",
	"gpt-4o-2024-08-06":      "gemini-2.5-pro",
	"gpt-4o-mini":            "gemini-2.5-flash",
	"gpt-4o-mini-2024-07-18": "gemini-2.5-flash",
	"gpt-3.5-turbo":          "gemini-2.5-flash",
	"gpt-3.5-turbo-16k":      "gemini-2.5-flash",
	"gpt-3.5-turbo-0125":     "gemini-2.5-flash",
	"gpt-3.5-turbo-1106":     "gemini-2.5-flash",
	"gpt-3.5-turbo-0613":     "gemini-2.5-flash",

	// Gemini
	"gemini-2.5-flash-lite":     "gemini-2.5-flash-lite",
	"gemini-2.5-flash-thinking": "gemini-2.5-flash-thinking",
	"gemini-3-pro-low":          "gemini-3-pro-low",
	"gemini-3-pro-high":         "gemini-3-pro-high",
	"gemini-3-pro-preview":      "gemini-3-pro-preview",
	"gemini-3-pro":              "gemini-3-pro",
	"gemini-2.5-flash":          "gemini-2.5-flash",
	"gemini-3-flash":            "gemini-3-flash",
	"gemini-3-pro-image":        "gemini-3-pro-image",
}

// MapModel resolves a client model name. Order: exact table, gemini- prefix,
// "thinking" substring, default.
func MapModel(name string) string {
	if name == "" {
		return DefaultModel
	}
	if mapped, ok := modelTable[name]; ok {
		return mapped
	}
	if strings.HasPrefix(name, "gemini-") {
		return name
	}
	if strings.Contains(name, "thinking") {
		return name
	}
	return DefaultModel
}

// KnownModels lists every client model name the table recognizes, sorted.
func KnownModels() []string {
	names := make([]string, 0, len(modelTable))
	for name := range modelTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
