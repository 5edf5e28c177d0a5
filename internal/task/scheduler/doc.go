// Package scheduler triggers DAG runs.
//
// Each registered DAG gets a cron entry whose ticks are the ends of its data
// intervals. On every tick, once at start-up, and whenever one of the DAG's
// runs finishes, the service computes the due logical dates and hands them to
// the run coordinator. Execution itself happens in the task engine.
package scheduler
