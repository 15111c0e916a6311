// Package dispatch serializes every write to the bridge process's stdin.
//
// Commands are encoded as single JSON lines and handed to one writer loop in
// submission order. Each Send returns a channel that yields exactly one value:
// nil once the line has been written, or the reason it was not.
//
// Error handling:
//   - Process cannot be obtained → ErrUnavailable, command dropped
//   - Write fails (pipe closed, process died) → ErrUnavailable, command dropped
//   - Encoding fails → error returned immediately, nothing written
//   - Caller context done before the write → context error, nothing written
//   - Loop stopped → ErrStopped
//
// Every successful write is reported to the OnWritten hook with the
// generation of the process it reached, so replies can be tied to it.
//
// Dropped commands are never retried here; reporters above decide that.
package dispatch
