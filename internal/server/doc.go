// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that wires Host resolution into the caching engine.
// It bootstraps Fiber with recover/request-ID middlewares, injects the
// OriginRegistry built from config, and owns the install/activate lifecycle
// that pre-populates the static partition and sweeps superseded cache
// versions. Diagnostics live under the /-/ namespace so they never collide
// with proxied paths.
package server
