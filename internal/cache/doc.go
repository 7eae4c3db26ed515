// Package cache defines the partitioned disk store backing the caching
// engine. Partitions are named {prefix}-{version}-{category} so bumping the
// version tag on deploy abandons every previous partition wholesale; the
// maintenance scheduler sweeps them on activation. Each entry is a body file
// plus a JSON metadata sidecar carrying status, headers and the engine's own
// cache-time freshness stamp; upstream cache headers are deliberately
// ignored because they are not guaranteed to be correct. Writes are atomic
// (temp file + rename) and per-key serialized; strategy executors depend on
// this package to read, populate and evict cached responses without
// duplicating filesystem logic.
package cache
