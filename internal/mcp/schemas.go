package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/convsearch-mcp/internal/searcher"
)

// indexConversationsTool returns the tool definition for index_conversations
func indexConversationsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_conversations",
		Description: "Build the conversation index from every configured assistant log directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "Rebuild even when an index already exists",
					"default":     false,
				},
			},
		},
	}
}

// updateIndexTool returns the tool definition for update_index
func updateIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "update_index",
		Description: "Add conversations that are not indexed yet. Already indexed conversations are never re-read.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"paths": map[string]interface{}{
					"type":        "array",
					"description": "Log files to add. When empty every configured directory is scanned.",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
			},
		},
	}
}

// searchConversationsTool returns the tool definition for search_conversations
func searchConversationsTool() mcp.Tool {
	return mcp.Tool{
		Name: "search_conversations",
		Description: "Search past assistant conversations. Supports +required and -excluded terms, " +
			"\"exact phrases\", AND/OR, and relative dates such as 'last week'.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query",
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Which sub-searches run",
					"enum":        []string{"keyword", "semantic", "hybrid"},
					"default":     "hybrid",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of conversations to return",
					"default":     10,
					"minimum":     1,
					"maximum":     searcher.MaxResultsLimit,
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters, applied identically in every mode",
					"properties": map[string]interface{}{
						"project_ids": map[string]interface{}{
							"type":        "array",
							"description": "Only conversations from these projects",
							"items": map[string]interface{}{
								"type": "string",
							},
						},
						"tool": map[string]interface{}{
							"type":        "string",
							"description": "Only conversations recorded by this assistant (claude-code, codex, generic)",
						},
						"min_messages": map[string]interface{}{
							"type":        "integer",
							"description": "Minimum number of messages",
							"minimum":     0,
						},
						"has_code": map[string]interface{}{
							"type":        "boolean",
							"description": "Require (true) or exclude (false) conversations containing code blocks",
						},
						"date_from": map[string]interface{}{
							"type":        "string",
							"description": "RFC 3339 timestamp or YYYY-MM-DD; conversations updated at or after",
						},
						"date_to": map[string]interface{}{
							"type":        "string",
							"description": "RFC 3339 timestamp or YYYY-MM-DD; conversations updated at or before",
						},
					},
				},
			},
		},
	}
}

// getIndexStatsTool returns the tool definition for get_index_stats
func getIndexStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_index_stats",
		Description: "Report conversation, message, chunk and vector counts for the index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
