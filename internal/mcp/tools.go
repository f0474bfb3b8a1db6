package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/searcher"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams        = -32602 // Invalid method parameters
	ErrorCodeInternalError        = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress   = -32002 // Another indexing operation is already running
	ErrorCodeNotReady             = -32003 // No index has been built or loaded
	ErrorCodeEmptyQuery           = -32004 // Neither a query nor a filter was given
	ErrorCodeVersionMismatch      = -32005 // Index was built by an incompatible engine or model
	ErrorCodeCorruptIndex         = -32006 // Metadata store and vector index disagree
	ErrorCodeRebuildRequiresForce = -32007 // An index exists and force was not set
)

const (
	maxReportedErrors = 5
	dateOnlyLayout    = "2006-01-02"
)

// handleIndexConversations handles the index_conversations tool invocation
func (s *Server) handleIndexConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	force := getBoolDefault(args, "force", false)

	stats, err := s.indexer.IndexAll(ctx, force)
	if err != nil {
		return nil, errorFor("indexing failed", err)
	}
	s.reload(ctx)

	response := map[string]interface{}{
		"run_id":         stats.RunID,
		"files_found":    stats.FilesFound,
		"indexed":        stats.Indexed,
		"skipped":        stats.Skipped,
		"failed":         stats.Failed,
		"messages":       stats.Messages,
		"chunks_created": stats.ChunksCreated,
		"duration_ms":    stats.Duration.Milliseconds(),
		"aborted":        stats.Aborted,
	}
	addErrors(response, stats.ErrorMessages)
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleUpdateIndex handles the update_index tool invocation
func (s *Server) handleUpdateIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	paths, err := getStringSlice(args, "paths")
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid paths", map[string]interface{}{
			"param":  "paths",
			"reason": err.Error(),
		})
	}

	var stats *indexer.UpdateStats
	if len(paths) == 0 {
		stats, err = s.indexer.IndexMissing(ctx)
	} else {
		stats, err = s.indexer.IndexAppendOnly(ctx, paths)
	}
	if err != nil {
		return nil, errorFor("update failed", err)
	}
	if stats.NewConversations > 0 {
		s.reload(ctx)
	}

	response := map[string]interface{}{
		"run_id":            stats.RunID,
		"new_conversations": stats.NewConversations,
		"update_time":       stats.UpdateTime,
		"skipped":           stats.Skipped,
		"failed":            stats.Failed,
		"aborted":           stats.Aborted,
	}
	addErrors(response, stats.Errors)
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchConversations handles the search_conversations tool invocation
func (s *Server) handleSearchConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	query := strings.TrimSpace(getStringDefault(args, "query", ""))
	filters, err := parseFilters(args)
	if err != nil {
		return nil, err
	}
	if query == "" && filters.IsEmpty() {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required when no filter is set", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "max_results", 0)
	if limit < 0 || limit > searcher.MaxResultsLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("max_results must be between 1 and %d", searcher.MaxResultsLimit), map[string]interface{}{
			"param": "max_results",
			"value": limit,
		})
	}

	mode := types.SearchMode(getStringDefault(args, "mode", ""))
	if mode != "" && !mode.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   string(mode),
			"allowed": []types.SearchMode{types.SearchModeKeyword, types.SearchModeSemantic, types.SearchModeHybrid},
		})
	}

	if !s.searcher.Ready() {
		if err := s.searcher.Load(ctx, s.indexDir); err != nil {
			return nil, errorFor("index not available", err)
		}
	}

	results, err := s.searcher.Search(ctx, searcher.Request{
		Query:      query,
		Mode:       mode,
		Filters:    filters,
		MaxResults: limit,
	})
	if err != nil {
		return nil, errorFor("search failed", err)
	}

	items := make([]map[string]interface{}, 0, len(results.Results))
	for i, r := range results.Results {
		item := map[string]interface{}{
			"rank":            i + 1,
			"conversation_id": r.ConversationID,
			"project_id":      r.ProjectID,
			"tool":            r.Tool,
			"file_path":       r.FilePath,
			"title":           r.Title,
			"score":           r.Score,
			"keyword_score":   r.KeywordScore,
			"semantic_score":  r.SemanticScore,
			"matched_by":      r.MatchedBy,
			"created_at":      r.CreatedAt.Format(time.RFC3339),
			"updated_at":      r.UpdatedAt.Format(time.RFC3339),
			"message_count":   r.MessageCount,
			"snippet":         r.Snippet,
		}
		if r.HasMessageRange {
			item["message_range"] = map[string]interface{}{
				"start": r.MessageStartIndex,
				"end":   r.MessageEndIndex,
			}
		}
		items = append(items, item)
	}

	response := map[string]interface{}{
		"results":       items,
		"total":         results.Total,
		"mode":          results.Mode,
		"keyword_hits":  results.KeywordHits,
		"semantic_hits": results.SemanticHits,
		"duration_ms":   results.Duration.Milliseconds(),
		"cache_hit":     results.CacheHit,
		"parsed_query": map[string]interface{}{
			"must_include":   results.Query.MustInclude,
			"should_include": results.Query.ShouldInclude,
			"must_exclude":   results.Query.MustExclude,
			"exact_phrases":  results.Query.ExactPhrases,
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetIndexStats handles the get_index_stats tool invocation
func (s *Server) handleGetIndexStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.indexer.Stats(ctx)
	if err != nil {
		return nil, errorFor("failed to get index stats", err)
	}

	response := map[string]interface{}{
		"index_dir":       stats.IndexDir,
		"conversations":   stats.Conversations,
		"messages":        stats.Messages,
		"chunks":          stats.Chunks,
		"vectors":         stats.Vectors,
		"size_mb":         fmt.Sprintf("%.2f", float64(stats.SizeBytes)/(1024*1024)),
		"embedding_model": stats.EmbeddingModel,
		"schema_version":  stats.SchemaVersion,
		"indexing":        stats.Indexing,
		"search_ready":    s.searcher.Ready(),
	}
	if !stats.LastUpdated.IsZero() {
		response["last_updated"] = stats.LastUpdated.Format(time.RFC3339)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// errorFor maps a domain error onto an MCP error code by its kind
func errorFor(message string, err error) error {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return err
	}
	kind := types.KindOf(err)
	code := ErrorCodeInternalError
	switch kind {
	case types.KindInProgress:
		code = ErrorCodeIndexingInProgress
	case types.KindNotReady:
		code = ErrorCodeNotReady
	case types.KindVersion:
		code = ErrorCodeVersionMismatch
	case types.KindConsistency:
		code = ErrorCodeCorruptIndex
	case types.KindGuard:
		code = ErrorCodeRebuildRequiresForce
	}
	return newMCPError(code, message, map[string]interface{}{
		"kind":  kind.String(),
		"error": err.Error(),
	})
}

// parseFilters reads the optional filters object
func parseFilters(args map[string]interface{}) (*types.SearchFilters, error) {
	raw, ok := args["filters"].(map[string]interface{})
	if !ok {
		return &types.SearchFilters{}, nil
	}

	invalid := func(param string, reason string) error {
		return newMCPError(ErrorCodeInvalidParams, "invalid filter", map[string]interface{}{
			"param":  "filters." + param,
			"reason": reason,
		})
	}

	f := &types.SearchFilters{
		Tool:        getStringDefault(raw, "tool", ""),
		MinMessages: getIntDefault(raw, "min_messages", 0),
	}
	if f.MinMessages < 0 {
		return nil, invalid("min_messages", "must not be negative")
	}

	projects, err := getStringSlice(raw, "project_ids")
	if err != nil {
		return nil, invalid("project_ids", err.Error())
	}
	f.ProjectIDs = projects

	if v, ok := raw["has_code"].(bool); ok {
		f.HasCode = &v
	}

	var dates types.DateFilter
	if v := getStringDefault(raw, "date_from", ""); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			return nil, invalid("date_from", err.Error())
		}
		dates.FromDate = t
	}
	if v := getStringDefault(raw, "date_to", ""); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			return nil, invalid("date_to", err.Error())
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		dates.ToDate = t
	}
	if !dates.FromDate.IsZero() || !dates.ToDate.IsZero() {
		if !dates.FromDate.IsZero() && !dates.ToDate.IsZero() && dates.ToDate.Before(dates.FromDate) {
			return nil, invalid("date_to", "is before date_from")
		}
		f.DateRange = &dates
	}
	return f, nil
}

// parseDate accepts RFC 3339 or a plain UTC date
func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateOnlyLayout, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	return t, true, nil
}

// addErrors includes the first few run errors in a response
func addErrors(response map[string]interface{}, errs []string) {
	if len(errs) == 0 {
		return
	}
	if len(errs) > maxReportedErrors {
		response["errors"] = errs[:maxReportedErrors]
		response["error_count"] = len(errs)
		return
	}
	response["errors"] = errs
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts an optional array of strings
func getStringSlice(args map[string]interface{}, key string) ([]string, error) {
	switch val := args[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok || str == "" {
				return nil, fmt.Errorf("item %d is not a non-empty string", i)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array of strings")
	}
}
