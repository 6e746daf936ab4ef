// Package admin serves the HTTP admin api of a node: a health check, the
// Prometheus metrics of all packages and the partition and lane state.
package admin
