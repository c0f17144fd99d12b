// Package retrieval fetches remote pages through an ordered chain of
// channels and accepts the first response that passes the authenticity
// checks. Archive snapshots are tried before the live site so blocked or
// deleted pages can still be recovered.
package retrieval
