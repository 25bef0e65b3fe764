// The main package for the bulk crawl orchestrator executable.
//
// The serve command runs the HTTP API, the dispatcher, the adaptive
// concurrency controller, and stale-job reconciliation in one process.
// Batches are submitted over HTTP, validated and normalized, and persisted as
// one pending job per URL. The dispatcher polls the job store and launches
// workers up to the controller's budget; each worker fetches, analyzes,
// scores, and records a new version for its URL, scheduling retries with
// exponential backoff on transient failures. Progress events fan out to the
// log, Prometheus, Pub/Sub, and Redis sinks.
//
// Configuration comes from a YAML file passed with --config and CRAWLER_*
// environment overrides, for example CRAWLER_DATABASE_DRIVER=postgres and
// CRAWLER_DATABASE_DSN.
package main

import (
	"github.com/JakeFAU/bulk-crawl-orchestrator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
