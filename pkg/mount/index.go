// Package mount implements the mount engine: the authoritative mapping from
// server names to backend connections and the derived aggregated capability
// index.
//
// The engine is the only mutator of the connection map and the index.
// Readers observe immutable index snapshots swapped through an atomic
// pointer, so in-flight calls never see a half-applied reconfigure.
package mount

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/magg"
)

// ToolEntry maps an aggregated tool name to its owning backend.
type ToolEntry struct {
	// Server is the catalog name of the owning backend.
	Server string

	// Local is the tool's name as the backend knows it.
	Local string

	// Def is the tool definition under its aggregated name.
	Def mcp.Tool
}

// ResourceEntry maps a resource URI to its owning backend. Resource URIs are
// not prefixed; resources are addressed by URI.
type ResourceEntry struct {
	Server string
	Def    mcp.Resource
}

// TemplateEntry maps a resource template URI template to its owning backend.
type TemplateEntry struct {
	Server string
	Def    mcp.ResourceTemplate
}

// PromptEntry maps an aggregated prompt name to its owning backend.
type PromptEntry struct {
	Server string
	Local  string
	Def    mcp.Prompt
}

// Index is an immutable snapshot of the aggregated capability surface.
type Index struct {
	// Generation increases monotonically with every reindex.
	Generation uint64

	// Tools maps aggregated tool name to its entry.
	Tools map[string]*ToolEntry

	// Resources maps resource URI to its entry.
	Resources map[string]*ResourceEntry

	// ResourceTemplates maps URI template to its entry.
	ResourceTemplates map[string]*TemplateEntry

	// Prompts maps aggregated prompt name to its entry.
	Prompts map[string]*PromptEntry

	// Mounted lists the servers whose capabilities are in the index.
	Mounted []string

	// Collided maps servers excluded by name collisions to the error.
	Collided map[string]error
}

func newIndex(generation uint64) *Index {
	return &Index{
		Generation:        generation,
		Tools:             make(map[string]*ToolEntry),
		Resources:         make(map[string]*ResourceEntry),
		ResourceTemplates: make(map[string]*TemplateEntry),
		Prompts:           make(map[string]*PromptEntry),
		Collided:          make(map[string]error),
	}
}

// signature fingerprints one capability kind's key set so the engine can
// tell which kinds changed across a reindex.
func (ix *Index) signature(kind magg.CapabilityKind) string {
	var keys []string
	switch kind {
	case magg.KindTool:
		for name := range ix.Tools {
			keys = append(keys, name)
		}
	case magg.KindResource:
		for uri := range ix.Resources {
			keys = append(keys, uri)
		}
		for uri := range ix.ResourceTemplates {
			keys = append(keys, uri)
		}
	case magg.KindPrompt:
		for name := range ix.Prompts {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	h := sha256.Sum256([]byte(strings.Join(keys, "\x00")))
	return hex.EncodeToString(h[:])
}
