package perso

import (
	"context"
	"encoding/json"
)

// ChatTool is a client-side tool the LLM may invoke during a round.
//
// Call receives the tool_call arguments as raw JSON and returns any
// JSON-marshalable result. An error (or panic) in Call is reported to the
// model as {"result": "error!"} rather than failing the round.
//
// ExecuteOnly tools are fire-and-forget: when every executed tool in a
// batch is ExecuteOnly, the orchestrator skips the follow-up LLM round that
// would otherwise reason over the results.
type ChatTool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters  json.RawMessage
	ExecuteOnly bool
	Call        func(ctx context.Context, args json.RawMessage) (any, error)
}

type toolManifestFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolManifestEntry struct {
	Type     string               `json:"type"`
	Function toolManifestFunction `json:"function"`
}

func buildToolManifest(tools []ChatTool) []toolManifestEntry {
	manifest := make([]toolManifestEntry, 0, len(tools))
	for _, t := range tools {
		manifest = append(manifest, toolManifestEntry{
			Type: "function",
			Function: toolManifestFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return manifest
}

func findTool(tools []ChatTool, name string) *ChatTool {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}
