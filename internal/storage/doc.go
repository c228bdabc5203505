// Package storage provides the mailbox each sort participant uses to hold
// chunk messages between their delivery and the collective operation that
// consumes them.
//
// # Overview
//
// Messages arrive asynchronously: an HTTP handler or an in-process sender
// calls Put, while the participant's scatter or gather blocks in Take until
// the value for its key shows up. Keys are built by the cluster package from
// the message tag and the sending rank, for example "scatter/0" or
// "gather/3", so every key is written at most once per run.
//
//	 sender ──Put("gather/3")──►┌──────────────┐
//	                            │ MemoryStore  │──Take("gather/3")──► Gather
//	 sender ──Put("gather/1")──►└──────────────┘
//
// # Core Interface
//
// Store: mailbox operations
//   - Put(key, value) - Deliver a copy of a chunk
//   - Take(ctx, key) - Wait for, remove and return a chunk
//   - Stats() - Pending keys and delivered elements, reported by /info
//   - Close(reason) - Fail every waiter, used when the group aborts
//
// # Concurrency
//
// MemoryStore guards its map with a mutex and wakes blocked Take calls by
// closing a notification channel on every Put or Close. Take never holds the
// lock while waiting, and it honours context cancellation, returning the
// context's cause so an abort reason reaches the caller intact.
//
// # Errors
//
// ErrKeyExists: a second delivery under an undelivered key
//   - Indicates a protocol error (duplicate send)
//
// ErrMailboxClosed: the store was closed
//   - Every error returned after Close matches it via errors.Is
//   - The original abort reason is preserved in the chain
package storage
