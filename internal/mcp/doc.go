// Package mcp implements the Model Context Protocol (MCP) server for convsearch.
//
// The server exposes four tools to AI assistants:
//   - index_conversations: build the index from every configured log directory
//   - update_index: append conversations that are not indexed yet
//   - search_conversations: keyword, semantic or hybrid search with filters
//   - get_index_stats: counts, size and embedding model of the index
//
// MCP is JSON-RPC 2.0 over stdio. Stdout carries protocol messages only;
// logs go to stderr.
//
// # Tool: search_conversations
//
//	Request:
//	{
//	  "name": "search_conversations",
//	  "arguments": {
//	    "query": "+docker \"compose file\" -kubernetes last week",
//	    "mode": "hybrid",
//	    "max_results": 10,
//	    "filters": {
//	      "project_ids": ["my-service"],
//	      "tool": "claude-code",
//	      "has_code": true
//	    }
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "conversation_id": "0b8e...",
//	      "project_id": "my-service",
//	      "score": 0.81,
//	      "matched_by": ["keyword", "semantic"],
//	      "message_range": {"start": 4, "end": 9},
//	      "snippet": "... the <b>compose file</b> declares ..."
//	    }
//	  ],
//	  "total": 1,
//	  "mode": "hybrid"
//	}
//
// An empty query is accepted when at least one filter is set; keyword mode
// then lists the matching conversations newest first.
//
// # Error Handling
//
// Domain errors are mapped by kind onto error codes:
//   - -32602: invalid params
//   - -32603: internal error
//   - -32002: indexing in progress
//   - -32003: index not built or not loaded
//   - -32004: empty query without filters
//   - -32005: index built by an incompatible engine or embedding model
//   - -32006: metadata store and vector index disagree
//   - -32007: index exists and force was not set
//
// # Client Configuration
//
//	{
//	  "mcpServers": {
//	    "convsearch": {
//	      "command": "/usr/local/bin/convsearch",
//	      "args": ["serve", "--watch"]
//	    }
//	  }
//	}
package mcp
