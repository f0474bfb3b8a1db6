// Package vectorindex stores chunk embeddings in a flat append-only file.
//
// File layout (little-endian):
//
//	header  16 bytes: magic "CVIX", format major (uint32), dimension (uint32), reserved
//	record  int64 vector id, then dimension float32 values
//
// Records are appended in strictly increasing id order and never rewritten.
// The only removal is truncation of a tail, used to roll back a failed write
// or to drop vectors that no metadata row refers to.
//
// Writer appends and fsyncs. Reader loads a snapshot either into memory or
// through a read-only memory map and answers brute-force cosine top-k
// queries. A Reader never observes records appended after it was loaded.
package vectorindex
