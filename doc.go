// Package loom is a DAG execution engine for user-authored text-processing
// workflows. A workflow is a directed acyclic graph of typed nodes (PDF text
// extraction, LLM calls, text formatting, bounded agent loops). Runs are
// admitted as asynchronous jobs with per-workflow concurrency caps, executed
// batch by batch in topological order, and persisted step by step as an
// audit trail.
//
// The root package holds the engine core: graph scheduling (Graph), node
// executors (Executors), the bounded agent runtime (AgentRun), the run
// coordinator (Runner), the admission scheduler (Scheduler), and the
// repository contract (Store). Drivers and surfaces live in subpackages:
// store/sqlite, store/postgres, provider/openaicompat, extract, server.
package loom
