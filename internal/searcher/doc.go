// Package searcher answers conversation queries over a built index.
//
// Three modes are supported:
//   - keyword: FTS5 matching in the metadata store
//   - semantic: cosine nearest neighbours in the vector file, mapped back to
//     conversations through their chunk rows
//   - hybrid: both, merged per conversation
//
// Filters are compiled once and applied to every sub-search before any row is
// fetched, so a filter means the same thing in every mode.
//
// # Usage
//
//	s := searcher.New(searcher.ConfigFrom(cfg), emb)
//	if err := s.Load(ctx, cfg.IndexDir); err != nil {
//	    return err
//	}
//	res, err := s.Search(ctx, searcher.Request{
//	    Query: `+python "neural network" -java last month`,
//	    Mode:  types.SearchModeHybrid,
//	})
//
// # Ranking
//
// Scores are merged by weighted sum (keyword 0.3, semantic 0.7 by default) or
// by Reciprocal Rank Fusion. Temporal decay is opt-in. Results are ordered by
// score, then most recently updated, then conversation id.
//
// # Reloading
//
// Load and Reload open a fresh set of handles and swap them in atomically.
// In-flight queries finish on the handles they started with.
package searcher
