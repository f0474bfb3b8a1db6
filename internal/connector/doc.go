// Package connector turns tool-specific conversation logs into normalized
// types.ConversationRecord values.
//
// The set of connectors is closed: claude-code, codex and generic-json.
// A Registry holds them in order and dispatches a path to the first
// connector whose CanParse accepts it.
//
//	reg := connector.NewDefaultRegistry(cfg.Connectors)
//	paths, err := reg.DiscoverAll(ctx)
//	for _, p := range paths {
//	    c, _ := reg.Lookup(p)
//	    rec, err := c.Parse(p, 0)
//	    ...
//	}
//
// Parse failures are returned as *types.ParseError, which unwraps to
// types.ErrParse. Files that have no dialogue yet (for example a session
// that was just created) fail to parse so a later run can pick them up.
package connector
