package chat

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ModelOption describes one selectable chat model and its capability tags.
type ModelOption struct {
	Provider     string   `json:"provider"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

var defaultModelCatalog = []ModelOption{
	{
		Provider:     "openai",
		Name:         "gpt-4o-mini",
		DisplayName:  "GPT-4o mini",
		Description:  "Default general-purpose tutor model, OpenAI chat completions compatible.",
		Capabilities: []string{"chat", "stream"},
		Recommended:  true,
	},
	{
		Provider:     "openai",
		Name:         "gpt-4o",
		DisplayName:  "GPT-4o",
		Description:  "Stronger reasoning for dense course material and multi-step questions.",
		Capabilities: []string{"chat", "reasoning"},
	},
	{
		Provider:     "deepseek",
		Name:         "deepseek-chat",
		DisplayName:  "DeepSeek Chat",
		Description:  "Cost-efficient model for high-volume study sessions.",
		Capabilities: []string{"chat"},
	},
	{
		Provider:     "qwen",
		Name:         "qwen3-max",
		DisplayName:  "Qwen 3 Max",
		Description:  "Strong multilingual coverage for non-English source documents.",
		Capabilities: []string{"chat", "multilingual"},
	},
}

// loadModelCatalog loads the catalog, honoring environment overrides.
func loadModelCatalog() []ModelOption {
	if catalog := loadModelCatalogFromEnv(); len(catalog) > 0 {
		return catalog
	}
	return append([]ModelOption(nil), defaultModelCatalog...)
}

// loadModelCatalogFromEnv reads the catalog from an inline JSON variable or a
// file path.
func loadModelCatalogFromEnv() []ModelOption {
	rawInline := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG"))
	if rawInline != "" {
		if catalog := parseModelCatalogJSON(rawInline); len(catalog) > 0 {
			return catalog
		}
		log.Printf("chat: failed to parse LLM_MODEL_CATALOG override")
	}

	rawPath := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG_FILE"))
	if rawPath != "" {
		data, err := os.ReadFile(filepath.Clean(rawPath))
		if err != nil {
			log.Printf("chat: read LLM_MODEL_CATALOG_FILE failed: %v", err)
		} else if catalog := parseModelCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			log.Printf("chat: failed to parse catalog file %s", rawPath)
		}
	}

	return nil
}

func parseModelCatalogJSON(raw string) []ModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}

	var list []ModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}

	return nil
}

func normalizeModelCatalog(list []ModelOption) []ModelOption {
	if len(list) == 0 {
		return nil
	}

	result := make([]ModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, item := range list {
		provider := strings.TrimSpace(item.Provider)
		name := strings.TrimSpace(item.Name)
		if provider == "" || name == "" {
			continue
		}

		key := strings.ToLower(provider) + "|" + strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ModelOption{
			Provider:     provider,
			Name:         name,
			DisplayName:  strings.TrimSpace(item.DisplayName),
			Description:  strings.TrimSpace(item.Description),
			Capabilities: normalizeStringSlice(item.Capabilities),
			Tags:         normalizeStringSlice(item.Tags),
			Recommended:  item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}

		result = append(result, option)
	}

	return result
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// catalogAllows reports whether the requested model name appears in the
// catalog. The default model is always allowed.
func catalogAllows(catalog []ModelOption, name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return true
	}
	lowered := strings.ToLower(trimmed)
	for _, option := range catalog {
		if strings.ToLower(option.Name) == lowered {
			return true
		}
	}
	return false
}
