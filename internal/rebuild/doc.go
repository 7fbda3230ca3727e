// Package rebuild implements the resumable embedding-index rebuild pipeline.
//
// A rebuild (re)computes vector embeddings for every note and eligible
// attachment and loads them into the vector index. Runs are long-lived and
// cross many failure-prone external calls, so the pipeline is built around a
// durable checkpoint:
//
//	Scheduler / request handler
//	     |
//	     v
//	Coordinator.RunTask ── per batch ──> Processor.Process (retry envelope)
//	     |                                    |
//	     |                                    v
//	     |                          embed.Provider + vecindex.Manager
//	     v
//	task.Store (checkpoint persisted after every note)
//
// The checkpoint (Progress) is written after every processed note, bounding
// crash loss to one note's work. Cancellation is cooperative: an in-process
// flag for same-process stops and the persisted is_running flag for stops
// issued from another process; both are observed before each batch and each
// item. Checkpoint writes are fenced on a per-run id, and a write asking to
// keep the run flag raised cannot resurrect an externally cleared one, so a
// stop or takeover from another process always wins the race against an
// in-flight run. Incremental runs exclude already-settled ids, making
// resumption idempotent.
//
// Processing is strictly sequential. Batching controls how often progress
// accumulates and cancellation is observed, not concurrency; this keeps
// resumption order deterministic and avoids hammering the embedding
// provider.
package rebuild
