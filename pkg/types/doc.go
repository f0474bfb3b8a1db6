// Package types provides shared type definitions for the convsearch MCP server.
//
// This package defines the domain types used across indexing and search:
// normalized conversation records produced by connectors, chunk metadata that
// joins the metadata store to the vector index, query-time filters and parsed
// queries, and ranked search results.
//
// # Core Types
//
// ConversationRecord is one indexed conversation, keyed by its absolute file path:
//
//	rec := &types.ConversationRecord{
//	    ConversationID: "4f1c2a",
//	    ProjectID:      "my-service",
//	    Tool:           "claude-code",
//	    FilePath:       "/home/dev/.claude/projects/my-service/4f1c2a.jsonl",
//	}
//
// ChunkMetadata is one embedded unit. Its VectorID is the join key with the
// vector index and is never reused:
//
//	chunk := types.ChunkMetadata{
//	    VectorID:          42,
//	    ConversationID:    rec.ConversationID,
//	    ChunkIndex:        0,
//	    MessageStartIndex: 0,
//	    MessageEndIndex:   3,
//	}
//
// # Errors
//
// Errors are sentinel values grouped into kinds so callers can branch on the
// kind rather than on message text:
//
//	switch types.KindOf(err) {
//	case types.KindNotReady:
//	    // index not built yet
//	case types.KindVersion, types.KindConsistency:
//	    // explicit rebuild required
//	}
package types
