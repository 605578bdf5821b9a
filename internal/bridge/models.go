package bridge

import (
	"context"
	"sort"
	"strings"

	"github.com/coder/acp-go-sdk"
	"github.com/sst/opencode-sdk-go"

	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/internal/session"
)

// DefaultModelID is the synthetic model advertised when the provider
// catalog cannot be fetched.
const DefaultModelID = "default"

// FallbackModel is used for prompts when the session has no concrete model.
const FallbackModel = "anthropic/claude-sonnet-4-20250514"

// flattenModels turns the provider catalog into "<provider>/<model>"
// entries, ordered by provider id and then model id.
func flattenModels(providers []opencode.Provider) []acp.ModelInfo {
	sorted := append([]opencode.Provider(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var models []acp.ModelInfo
	for _, p := range sorted {
		providerName := p.Name
		if providerName == "" {
			providerName = p.ID
		}
		for _, id := range gateway.ModelIDs(p) {
			name := p.Models[id].Name
			if name == "" {
				name = id
			}
			models = append(models, acp.ModelInfo{
				ModelId:     acp.ModelId(p.ID + "/" + id),
				Name:        name,
				Description: acp.Ptr(providerName),
			})
		}
	}
	return models
}

func syntheticModels() []acp.ModelInfo {
	return []acp.ModelInfo{{
		ModelId:     DefaultModelID,
		Name:        "Default",
		Description: acp.Ptr("The server's default model"),
	}}
}

// availableModels fetches the catalog, degrading to the synthetic default
// model when the fetch fails or the catalog is empty.
func availableModels(ctx context.Context, backend Backend) []acp.ModelInfo {
	providers, err := backend.ListProviders(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to fetch provider catalog, using default model")
		return syntheticModels()
	}
	models := flattenModels(providers)
	if len(models) == 0 {
		return syntheticModels()
	}
	return models
}

// pickModel returns preferred when the catalog offers it, else the first
// model.
func pickModel(models []acp.ModelInfo, preferred string) string {
	for _, m := range models {
		if preferred != "" && string(m.ModelId) == preferred {
			return preferred
		}
	}
	if len(models) == 0 {
		return DefaultModelID
	}
	return string(models[0].ModelId)
}

// splitModel splits "provider/model" at the first slash. Unset, synthetic
// or malformed values resolve to FallbackModel.
func splitModel(model string) (providerID, modelID string) {
	if model == "" || model == DefaultModelID {
		model = FallbackModel
	}
	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok || providerID == "" || modelID == "" {
		providerID, modelID, _ = strings.Cut(FallbackModel, "/")
	}
	return providerID, modelID
}

func modelState(models []acp.ModelInfo, current string) *acp.SessionModelState {
	return &acp.SessionModelState{
		AvailableModels: models,
		CurrentModelId:  acp.ModelId(current),
	}
}

var modeInfo = map[session.Mode]struct {
	name        string
	description string
}{
	session.ModeDefault:     {"Default", "Ask before editing files or running commands"},
	session.ModeAcceptEdits: {"Accept Edits", "Apply file edits without asking"},
	session.ModePlan:        {"Plan", "Analyze and plan without making changes"},
}

func modeState(current session.Mode) *acp.SessionModeState {
	modes := make([]acp.SessionMode, 0, len(session.ValidModes))
	for _, m := range session.ValidModes {
		info := modeInfo[m]
		modes = append(modes, acp.SessionMode{
			Id:          acp.SessionModeId(m),
			Name:        info.name,
			Description: acp.Ptr(info.description),
		})
	}
	return &acp.SessionModeState{
		AvailableModes: modes,
		CurrentModeId:  acp.SessionModeId(current),
	}
}

// agentFor selects the opencode agent that serves a mode.
func agentFor(mode session.Mode) string {
	if mode == session.ModePlan {
		return "plan"
	}
	return ""
}
