package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// argString extracts a string argument from a tool request.
func argString(request mcp.CallToolRequest, key string) string {
	args, _ := request.Params.Arguments.(map[string]any)
	v, _ := args[key].(string)
	return v
}

// argStringSlice extracts a string array argument from a tool request.
func argStringSlice(request mcp.CallToolRequest, key string) []string {
	args, _ := request.Params.Arguments.(map[string]any)
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// argStringMap extracts a string map argument from a tool request.
func argStringMap(request mcp.CallToolRequest, key string) map[string]string {
	args, _ := request.Params.Arguments.(map[string]any)
	raw, _ := args[key].(map[string]any)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// argInt extracts an integer argument from a tool request.
func argInt(request mcp.CallToolRequest, key string, fallback int) int {
	args, _ := request.Params.Arguments.(map[string]any)
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// jsonResult encodes payload as a JSON text tool result.
func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
