package pinwatch

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pinwatch/kit"
	"github.com/hazyhaar/pinwatch/watchlist"
)

// RegisterMCP registers the pinwatch tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	ep := s.endpoints()
	code := kit.WithErrorCode(toolErrorCode)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pinwatch_list_tasks",
		Description: "List watched pages with their fragments, period and latest recorded changes.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, ep.listTasks, kit.DecodeArgs[struct{}](), code)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pinwatch_add_task",
		Description: "Watch fragments of a page. Give locators (as returned by a previous capture) or an XPath-like query such as //h1 or //div[@class='price'].",
		InputSchema: inputSchema(map[string]any{
			"url":            map[string]any{"type": "string", "description": "Page URL"},
			"title":          map[string]any{"type": "string", "description": "Task title (default: the URL)"},
			"locators":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Fragment locators"},
			"query":          map[string]any{"type": "string", "description": "Select every watchable element matching this query"},
			"period_minutes": map[string]any{"type": "integer", "description": "Recheck period in minutes"},
		}, []string{"url", "period_minutes"}),
	}, ep.addTask, kit.DecodeArgs[addTaskRequest](), code)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pinwatch_remove_task",
		Description: "Stop watching a task and delete it.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"id"}),
	}, ep.removeTask, kit.DecodeArgs[taskIDRequest](), code)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pinwatch_check_task",
		Description: "Check a task now and report the changes found.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"id"}),
	}, ep.checkTask, kit.DecodeArgs[taskIDRequest](), code)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "pinwatch_update_settings",
		Description: "Set the user name, notification email address, email subject and the pause between two emails.",
		InputSchema: inputSchema(map[string]any{
			"name":          map[string]any{"type": "string", "description": "User name used in emails"},
			"email":         map[string]any{"type": "string", "description": "Notification address, empty to disable email"},
			"email_subject": map[string]any{"type": "string", "description": "Subject of change emails"},
			"pause_hours":   map[string]any{"type": "integer", "description": "Minimum hours between two emails (1-24)"},
		}, []string{"name", "pause_hours"}),
	}, ep.updateSettings, kit.DecodeArgs[watchlist.Settings](), code)
}

// toolErrorCode names the failure class of err the same way the HTTP API
// picks a status.
func toolErrorCode(err error) string {
	switch statusFor(err) {
	case 400:
		return "invalid_request"
	case 404:
		return "not_found"
	case 409:
		return "conflict"
	case 502:
		return "fetch_failed"
	default:
		return kit.CodeInternal
	}
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
