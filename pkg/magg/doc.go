// Package magg contains the core domain model shared across the aggregator
// subpackages.
//
// magg is an MCP aggregator: it speaks the Model Context Protocol to clients
// while itself acting as a client to many downstream MCP servers. The
// subpackages divide the work into bounded contexts:
//
//	pkg/magg/
//	├── types.go            // Shared domain types (State, Capabilities, Envelope)
//	├── errors.go           // Domain errors
//	├── naming.go           // Aggregated-name construction and prefix rules
//	pkg/config/             // Catalog store, validation, diffing, file watcher
//	pkg/kit/                // Kit bundles with shared-ownership semantics
//	pkg/transport/          // Transport selection (stdio, streamable HTTP, in-process)
//	pkg/backend/            // One connection per backend: state machine + request queue
//	pkg/mount/              // The mount engine: apply diffs, aggregate, route calls
//	pkg/notify/             // Notification coordinator: fan-in, coalescing, fan-out
//	pkg/proxy/              // The proxy meta-tool
//	pkg/auth/               // Bearer-token authentication for the HTTP surface
//	pkg/server/             // The outward-facing MCP server and admin tools
//
// Shared types live at the package root so subpackages can exchange them
// without circular imports.
package magg
