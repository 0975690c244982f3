// Package mcp exposes pipeline runs to MCP clients over stdio.
//
// Tools:
//   - pipeline_runs: recent runs, newest first
//   - pipeline_status: per-stage state and errors of a run
//   - pipeline_gate: gate verdict, bundle ID and blocking stages
//   - stage_recollect: re-collect one stage and its dependents
//
// Every tool accepts an optional run_id. Omitting it selects the latest run.
package mcp
