// Package crawler defines the domain model shared by the orchestration
// engine: batches, jobs, versioned crawl results, fetch results, the fetch
// error taxonomy, and the interfaces the dispatcher and workers depend on.
package crawler
