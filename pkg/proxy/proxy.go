// Package proxy implements the proxy meta-tool: a single MCP tool exposing
// list, info, and call operations over tools, resources, and prompts with a
// stable, typed wire contract.
//
// The proxy introspects the aggregator through the in-process transport, so
// its view is exactly the aggregated surface a regular client would see.
// Query results (list, info) travel as an embedded JSON resource; call
// results pass the backend payload through, annotated so callers can tell
// proxied results apart.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
	"github.com/maggmcp/magg/pkg/transport"
)

// ToolName is the proxy tool's registered name. It is deliberately not
// self-prefixed: the proxy is part of the aggregator's stable contract.
const ToolName = "proxy"

// Annotation keys used on proxy results.
const (
	AnnotationAction   = "proxyAction"
	AnnotationType     = "proxyType"
	AnnotationPath     = "proxyPath"
	AnnotationDataType = "dataType"
	AnnotationMany     = "many"
	AnnotationContent  = "contentType"
)

// dataTypes tags the payload type of query results, free of any
// implementation detail.
var dataTypes = map[string]string{
	"tool":     "Tool",
	"resource": "Resource|ResourceTemplate",
	"prompt":   "Prompt",
}

// SelfOpener opens an in-process handle onto the aggregator's own surface.
// *transport.Selector satisfies it.
type SelfOpener interface {
	OpenSelf(ctx context.Context) (transport.Handle, error)
}

// Proxy is the proxy tool implementation.
type Proxy struct {
	opener SelfOpener
}

// New creates the proxy tool over the given self-opener.
func New(opener SelfOpener) *Proxy {
	return &Proxy{opener: opener}
}

// Definition returns the proxy tool's MCP definition.
func (*Proxy) Definition() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription(
			"Unified access to aggregated MCP capabilities: list tools, resources, "+
				"or prompts, get detailed info about one, or call/read/get it."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action to perform: list, info, or call."),
			mcp.Enum("list", "info", "call"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Type of MCP capability to interact with: tool, resource, or prompt."),
			mcp.Enum("tool", "resource", "prompt"),
		),
		mcp.WithString("path",
			mcp.Description("Name or URI of the specific tool/resource/prompt. "+
				"Required for info and call; not allowed for list."),
		),
		mcp.WithObject("args",
			mcp.Description("Arguments for a call action (call tool, read resource, or get prompt)."),
		),
	)
}

// Handle executes one proxy invocation. Validation is strict and happens
// before any dispatch; validation and lookup failures surface as MCP tool
// errors without touching a backend.
func (p *Proxy) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := parseParams(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	h, err := p.opener.OpenSelf(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Debugf("Closing proxy self-client: %v", err)
		}
	}()
	if _, err := h.Initialize(ctx, transport.InitializeRequest()); err != nil {
		return nil, fmt.Errorf("%w: initializing proxy self-client: %v", magg.ErrTransport, err)
	}

	switch params.action {
	case "list":
		return p.list(ctx, h, params.typ)
	case "info":
		return p.info(ctx, h, params.typ, params.path)
	default:
		return p.call(ctx, h, params.typ, params.path, params.args)
	}
}

type proxyParams struct {
	action string
	typ    string
	path   string
	args   map[string]any
}

func parseParams(request mcp.CallToolRequest) (*proxyParams, error) {
	raw, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: arguments must be an object", magg.ErrValidation)
	}

	p := &proxyParams{}
	p.action, _ = raw["action"].(string)
	p.typ, _ = raw["type"].(string)
	p.path, _ = raw["path"].(string)
	if args, ok := raw["args"]; ok {
		argsMap, ok := args.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: parameter 'args' must be an object", magg.ErrValidation)
		}
		p.args = argsMap
	}

	switch p.action {
	case "list", "info", "call":
	case "":
		return nil, fmt.Errorf("%w: parameter 'action' is required", magg.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: invalid proxy action %q", magg.ErrValidation, p.action)
	}

	switch p.typ {
	case "tool", "resource", "prompt":
	case "":
		return nil, fmt.Errorf("%w: parameter 'type' is required", magg.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: invalid proxy type %q", magg.ErrValidation, p.typ)
	}

	if p.action == "list" && p.path != "" {
		return nil, fmt.Errorf("%w: parameter 'path' is not allowed for action 'list'", magg.ErrValidation)
	}
	if (p.action == "info" || p.action == "call") && p.path == "" {
		return nil, fmt.Errorf("%w: parameter 'path' is required for action %q", magg.ErrValidation, p.action)
	}
	if p.action != "call" && len(p.args) > 0 {
		return nil, fmt.Errorf("%w: parameter 'args' is not allowed for action %q", magg.ErrValidation, p.action)
	}

	return p, nil
}

// list returns the capability metadata array as a single embedded JSON
// resource.
func (p *Proxy) list(ctx context.Context, h transport.Handle, typ string) (*mcp.CallToolResult, error) {
	items, err := listCapabilities(ctx, h, typ)
	if err != nil {
		return nil, err
	}

	text, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding %s list: %w", typ, err)
	}

	return queryResult(
		fmt.Sprintf("%s:list/%s", ToolName, typ),
		string(text),
		map[string]any{
			AnnotationAction:   "list",
			AnnotationType:     typ,
			AnnotationDataType: dataTypes[typ],
			AnnotationMany:     true,
		},
	), nil
}

// info returns one capability's metadata as an embedded JSON resource.
func (p *Proxy) info(ctx context.Context, h transport.Handle, typ, path string) (*mcp.CallToolResult, error) {
	items, err := listCapabilities(ctx, h, typ)
	if err != nil {
		return nil, err
	}

	item, ok := findCapability(items, path)
	if !ok {
		return mcp.NewToolResultError(
			fmt.Sprintf("%s %q not found", typ, path)), nil
	}

	text, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding %s info: %w", typ, err)
	}

	return queryResult(
		fmt.Sprintf("%s:info/%s/%s", ToolName, typ, url.PathEscape(path)),
		string(text),
		map[string]any{
			AnnotationAction:   "info",
			AnnotationType:     typ,
			AnnotationPath:     path,
			AnnotationDataType: dataTypes[typ],
			AnnotationMany:     false,
		},
	), nil
}

// call invokes a tool, reads a resource, or gets a prompt through the
// aggregated surface. Backend errors pass through unwrapped beyond the
// proxy annotations.
func (p *Proxy) call(ctx context.Context, h transport.Handle, typ, path string, args map[string]any) (*mcp.CallToolResult, error) {
	annotations := map[string]any{
		AnnotationAction: "call",
		AnnotationType:   typ,
		AnnotationPath:   path,
	}

	switch typ {
	case "tool":
		req := mcp.CallToolRequest{}
		req.Params.Name = path
		req.Params.Arguments = args
		result, err := h.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}
		// The backend's content list passes through verbatim; only the
		// proxy annotations are added.
		result.Meta = mergeMeta(result.Meta, annotations)
		return result, nil

	case "resource":
		req := mcp.ReadResourceRequest{}
		req.Params.URI = path
		result, err := h.ReadResource(ctx, req)
		if err != nil {
			return nil, err
		}
		return resourceResult(result, annotations), nil

	default: // prompt
		req := mcp.GetPromptRequest{}
		req.Params.Name = path
		req.Params.Arguments = stringArgs(args)
		result, err := h.GetPrompt(ctx, req)
		if err != nil {
			return nil, err
		}
		return promptResult(path, result, annotations)
	}
}

func listCapabilities(ctx context.Context, h transport.Handle, typ string) ([]any, error) {
	switch typ {
	case "tool":
		result, err := h.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(result.Tools))
		for _, tool := range result.Tools {
			items = append(items, tool)
		}
		return items, nil

	case "resource":
		result, err := h.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(result.Resources))
		for _, res := range result.Resources {
			items = append(items, res)
		}
		if templates, err := h.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{}); err == nil {
			for _, tmpl := range templates.ResourceTemplates {
				items = append(items, tmpl)
			}
		}
		return items, nil

	default: // prompt
		result, err := h.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(result.Prompts))
		for _, prompt := range result.Prompts {
			items = append(items, prompt)
		}
		return items, nil
	}
}

func findCapability(items []any, path string) (any, bool) {
	for _, item := range items {
		switch v := item.(type) {
		case mcp.Tool:
			if v.Name == path {
				return v, true
			}
		case mcp.Resource:
			if v.URI == path || v.Name == path {
				return v, true
			}
		case mcp.ResourceTemplate:
			if v.Name == path || (v.URITemplate != nil && v.URITemplate.Raw() == path) {
				return v, true
			}
		case mcp.Prompt:
			if v.Name == path {
				return v, true
			}
		}
	}
	return nil, false
}

// queryResult wraps a JSON payload as the single embedded-resource response
// used by list and info.
func queryResult(uri, text string, annotations map[string]any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Result: mcp.Result{Meta: &mcp.Meta{AdditionalFields: annotations}},
		Content: []mcp.Content{
			mcp.EmbeddedResource{
				Type: "resource",
				Resource: mcp.TextResourceContents{
					URI:      uri,
					MIMEType: "application/json",
					Text:     text,
				},
			},
		},
	}
}

// resourceResult converts a resource read into a tool result. Text payloads
// that parse as JSON are objectified: canonically re-encoded with
// mimeType=application/json, the original MIME preserved under the
// contentType annotation. Binary payloads pass through unchanged.
func resourceResult(result *mcp.ReadResourceResult, annotations map[string]any) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(result.Contents))
	for _, rc := range result.Contents {
		switch v := rc.(type) {
		case mcp.TextResourceContents:
			if v.MIMEType != "application/json" {
				if canonical, ok := objectify(v.Text); ok {
					if _, exists := annotations[AnnotationContent]; !exists {
						annotations[AnnotationContent] = v.MIMEType
					}
					v.Text = canonical
					v.MIMEType = "application/json"
				}
			}
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: v})
		case mcp.BlobResourceContents:
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: v})
		default:
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: rc})
		}
	}

	return &mcp.CallToolResult{
		Result:  mcp.Result{Meta: &mcp.Meta{AdditionalFields: annotations}},
		Content: content,
	}
}

// promptResult JSON-encodes a prompt result inside an embedded resource.
func promptResult(path string, result *mcp.GetPromptResult, annotations map[string]any) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt result: %w", err)
	}

	uri := path
	if parsed, err := url.Parse(path); err != nil || parsed.Scheme == "" {
		uri = "urn:prompt:" + path
	}

	annotations[AnnotationDataType] = "GetPromptResult"
	return queryResult(uri, string(text), annotations), nil
}

// objectify reports the canonical JSON re-encoding of text, when it parses.
func objectify(text string) (string, bool) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return "", false
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(canonical), true
}

func mergeMeta(meta *mcp.Meta, annotations map[string]any) *mcp.Meta {
	if meta == nil {
		meta = &mcp.Meta{}
	}
	if meta.AdditionalFields == nil {
		meta.AdditionalFields = make(map[string]any)
	}
	for k, v := range annotations {
		meta.AdditionalFields[k] = v
	}
	return meta
}

func stringArgs(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
