// Package chunker divides conversation text into overlapping fixed-size
// character windows for embedding.
//
// # Basic Usage
//
//	c, err := chunker.New(1000, 200)
//	if err != nil {
//	    return err
//	}
//	for _, ch := range c.Split(text) {
//	    fmt.Printf("chunk %d: runes %d-%d\n", ch.Index, ch.Start, ch.End)
//	}
//
// # Windowing
//
// Windows are measured in runes, not bytes, so multi-byte text is never
// split inside a character. Consecutive windows share exactly Overlap runes.
// The final window may be shorter than Size. Empty input produces a single
// empty chunk so every conversation owns at least one vector.
//
// # Message Ranges
//
// ChunkConversation maps each window back to the messages it spans using
// the rune spans returned by types.BuildFullText:
//
//	text, spans := types.BuildFullText(rec.Messages)
//	rec.FullText = text
//	chunks := c.ChunkConversation(rec, spans)
//	// chunks[i].MessageStartIndex .. chunks[i].MessageEndIndex
package chunker
