package magg

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// This file contains shared domain types used across multiple magg
// subpackages. They cross bounded contexts, so they live at the package root
// to avoid circular imports.

// State is the lifecycle state of a backend connection.
type State string

const (
	// StateConfigured means the backend is known but no connection has
	// been attempted yet.
	StateConfigured State = "configured"

	// StateConnecting means a transport is being established and the
	// initial capability lists are being fetched.
	StateConnecting State = "connecting"

	// StateRunning means the backend is connected, its capabilities are
	// cached, and its notification handler is attached.
	StateRunning State = "running"

	// StateDegraded means the transport failed and reconnect attempts are
	// in progress with exponential backoff.
	StateDegraded State = "degraded"

	// StateFailed means reconnects were exhausted or the backend's names
	// collide with an earlier backend. The backend stays failed until an
	// explicit reconfigure or retry.
	StateFailed State = "failed"

	// StateDisabled means the backend was disabled or removed and its
	// transport has been torn down.
	StateDisabled State = "disabled"
)

// CapabilityKind enumerates what a backend can expose.
type CapabilityKind string

const (
	// KindTool is an MCP tool.
	KindTool CapabilityKind = "tool"

	// KindResource is an MCP resource, addressed by URI.
	KindResource CapabilityKind = "resource"

	// KindPrompt is an MCP prompt.
	KindPrompt CapabilityKind = "prompt"
)

// Capabilities is an immutable snapshot of everything one backend exposes.
// The names and URIs are local to the backend; aggregated names are derived
// by the mount engine.
//
// A snapshot is never mutated after publication. The backend connection swaps
// a pointer to a fresh snapshot after every successful capability fetch.
type Capabilities struct {
	// Tools exposed by the backend, under their local names.
	Tools []mcp.Tool

	// Resources exposed by the backend, addressed by URI.
	Resources []mcp.Resource

	// ResourceTemplates exposed by the backend.
	ResourceTemplates []mcp.ResourceTemplate

	// Prompts exposed by the backend, under their local names.
	Prompts []mcp.Prompt

	// FetchedAt records when this snapshot was taken from the backend.
	FetchedAt time.Time
}

// NotificationKind classifies notification envelopes flowing through the
// coordinator.
type NotificationKind string

const (
	// NotifyToolsChanged is a backend tools/list_changed notification.
	NotifyToolsChanged NotificationKind = "tools_changed"

	// NotifyResourcesChanged is a backend resources/list_changed notification.
	NotifyResourcesChanged NotificationKind = "resources_changed"

	// NotifyPromptsChanged is a backend prompts/list_changed notification.
	NotifyPromptsChanged NotificationKind = "prompts_changed"

	// NotifyResourceUpdated is a targeted resources/updated notification.
	NotifyResourceUpdated NotificationKind = "resource_updated"

	// NotifyProgress is a targeted progress notification carrying a
	// progress token.
	NotifyProgress NotificationKind = "progress"

	// NotifyLog is a logging message notification. Forwarded 1:1 but
	// rate-limited per backend.
	NotifyLog NotificationKind = "log"

	// NotifyCancelled is a cancellation notification for an in-flight
	// request.
	NotifyCancelled NotificationKind = "cancelled"
)

// IsListChange reports whether the kind is one of the coalesced list-change
// kinds.
func (k NotificationKind) IsListChange() bool {
	switch k {
	case NotifyToolsChanged, NotifyResourcesChanged, NotifyPromptsChanged:
		return true
	default:
		return false
	}
}

// Method returns the MCP notification method for this kind.
func (k NotificationKind) Method() string {
	switch k {
	case NotifyToolsChanged:
		return "notifications/tools/list_changed"
	case NotifyResourcesChanged:
		return "notifications/resources/list_changed"
	case NotifyPromptsChanged:
		return "notifications/prompts/list_changed"
	case NotifyResourceUpdated:
		return "notifications/resources/updated"
	case NotifyProgress:
		return "notifications/progress"
	case NotifyLog:
		return "notifications/message"
	case NotifyCancelled:
		return "notifications/cancelled"
	default:
		return ""
	}
}

// KindFromMethod maps an MCP notification method to a NotificationKind.
// Returns "" for methods the coordinator does not forward.
func KindFromMethod(method string) NotificationKind {
	switch method {
	case "notifications/tools/list_changed":
		return NotifyToolsChanged
	case "notifications/resources/list_changed":
		return NotifyResourcesChanged
	case "notifications/prompts/list_changed":
		return NotifyPromptsChanged
	case "notifications/resources/updated":
		return NotifyResourceUpdated
	case "notifications/progress":
		return NotifyProgress
	case "notifications/message":
		return NotifyLog
	case "notifications/cancelled":
		return NotifyCancelled
	default:
		return ""
	}
}

// Envelope tags a notification with its source backend. This is the unit of
// work flowing from backend connections into the notification coordinator.
type Envelope struct {
	// SourceServer is the catalog name of the backend that emitted the
	// notification. Empty for synthetic notifications originated by the
	// aggregator itself (for example after a reconfigure).
	SourceServer string

	// Kind classifies the notification.
	Kind NotificationKind

	// Payload carries the notification params, if any.
	Payload map[string]any

	// ReceivedAt records when the coordinator received the envelope.
	ReceivedAt time.Time
}
