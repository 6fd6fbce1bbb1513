package registry

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a tool id is not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ErrUnsupportedPurpose is returned when a tool is invoked for a capability it does not offer.
var ErrUnsupportedPurpose = errors.New("tool does not support purpose")

type ToolType string

const (
	TypeLLM       ToolType = "llm"
	TypeVision    ToolType = "vision"
	TypeHearing   ToolType = "hearing"
	TypeImages    ToolType = "images"
	TypeSearch    ToolType = "search"
	TypeEmbedding ToolType = "embedding"
	TypeAPI       ToolType = "api"
)

// UnitFamily groups the measurements a capability is billed by.
type UnitFamily string

const (
	UnitTokens UnitFamily = "tokens"
	UnitImages UnitFamily = "images"
	UnitNone   UnitFamily = "none"
)

var toolTypes = map[ToolType]struct {
	name   string
	family UnitFamily
}{
	TypeLLM:       {"Large Language Model", UnitTokens},
	TypeVision:    {"Vision", UnitTokens},
	TypeHearing:   {"Hearing", UnitNone},
	TypeImages:    {"Image Generation", UnitImages},
	TypeSearch:    {"Web Search", UnitTokens},
	TypeEmbedding: {"Embedding", UnitTokens},
	TypeAPI:       {"External API", UnitNone},
}

// AllTypes lists every capability type in a stable order.
func AllTypes() []ToolType {
	return []ToolType{TypeLLM, TypeVision, TypeHearing, TypeImages, TypeSearch, TypeEmbedding, TypeAPI}
}

func (t ToolType) Valid() bool {
	_, ok := toolTypes[t]
	return ok
}

func (t ToolType) DisplayName() string {
	if info, ok := toolTypes[t]; ok {
		return info.name
	}
	return string(t)
}

// UnitFamily returns UnitNone for unknown types.
func (t ToolType) UnitFamily() UnitFamily {
	if info, ok := toolTypes[t]; ok {
		return info.family
	}
	return UnitNone
}

// ToolProvider is the company or service backing one or more tools.
type ToolProvider struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	TokenManagementURL string   `json:"token_management_url"`
	TokenFormat        string   `json:"token_format"`
	ToolIDs            []string `json:"tool_ids"`
}

type ExternalTool struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Provider ToolProvider `json:"provider"`
	Types    []ToolType   `json:"types"`
}

func (t ExternalTool) Supports(purpose ToolType) bool {
	for _, tt := range t.Types {
		if tt == purpose {
			return true
		}
	}
	return false
}

// ToolSpec declares a tool by provider id; New resolves it into an ExternalTool.
type ToolSpec struct {
	ID         string
	Name       string
	ProviderID string
	Types      []ToolType
}

// Registry is the immutable tool catalog. It is safe for concurrent reads
// because nothing mutates it after New returns.
type Registry struct {
	providers     map[string]ToolProvider
	tools         map[string]ExternalTool
	providerOrder []string
	toolOrder     []string
}

func New(providers []ToolProvider, tools []ToolSpec) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]ToolProvider, len(providers)),
		tools:     make(map[string]ExternalTool, len(tools)),
	}

	toolIDs := make(map[string][]string, len(providers))
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider %q: empty id", p.Name)
		}
		if _, dup := r.providers[p.ID]; dup {
			return nil, fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		r.providers[p.ID] = p
		r.providerOrder = append(r.providerOrder, p.ID)
	}

	for _, spec := range tools {
		if spec.ID == "" {
			return nil, fmt.Errorf("tool %q: empty id", spec.Name)
		}
		if _, dup := r.tools[spec.ID]; dup {
			return nil, fmt.Errorf("tool %q: duplicate id", spec.ID)
		}
		if _, ok := r.providers[spec.ProviderID]; !ok {
			return nil, fmt.Errorf("tool %q: unknown provider %q", spec.ID, spec.ProviderID)
		}
		if len(spec.Types) == 0 {
			return nil, fmt.Errorf("tool %q: no capability types", spec.ID)
		}
		for _, t := range spec.Types {
			if !t.Valid() {
				return nil, fmt.Errorf("tool %q: unknown capability type %q", spec.ID, t)
			}
		}
		toolIDs[spec.ProviderID] = append(toolIDs[spec.ProviderID], spec.ID)
		r.toolOrder = append(r.toolOrder, spec.ID)
	}

	for id, p := range r.providers {
		p.ToolIDs = append([]string(nil), toolIDs[id]...)
		r.providers[id] = p
	}

	for _, spec := range tools {
		r.tools[spec.ID] = ExternalTool{
			ID:       spec.ID,
			Name:     spec.Name,
			Provider: r.providers[spec.ProviderID],
			Types:    append([]ToolType(nil), spec.Types...),
		}
	}

	return r, nil
}

func (r *Registry) Tool(id string) (ExternalTool, error) {
	t, ok := r.tools[id]
	if !ok {
		return ExternalTool{}, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return t, nil
}

func (r *Registry) Provider(id string) (ToolProvider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Resolve looks up a tool and checks that it offers the given capability.
func (r *Registry) Resolve(toolID string, purpose ToolType) (ExternalTool, error) {
	t, err := r.Tool(toolID)
	if err != nil {
		return ExternalTool{}, err
	}
	if !t.Supports(purpose) {
		return ExternalTool{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPurpose, toolID, purpose)
	}
	return t, nil
}

// Tools returns the catalog in declaration order.
func (r *Registry) Tools() []ExternalTool {
	out := make([]ExternalTool, 0, len(r.toolOrder))
	for _, id := range r.toolOrder {
		out = append(out, r.tools[id])
	}
	return out
}

func (r *Registry) Providers() []ToolProvider {
	out := make([]ToolProvider, 0, len(r.providerOrder))
	for _, id := range r.providerOrder {
		out = append(out, r.providers[id])
	}
	return out
}

func (r *Registry) ToolsOfType(t ToolType) []ExternalTool {
	var out []ExternalTool
	for _, id := range r.toolOrder {
		if tool := r.tools[id]; tool.Supports(t) {
			out = append(out, tool)
		}
	}
	return out
}
