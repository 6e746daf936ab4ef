// Package cmd implements the command-line interface of dMap. It provides
// commands for running a cluster member and for using the distributed map
// as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a member that owns partitions and serves the admin api
//   - maps: Map operations (put, get, remove, lock, unlock, size, perf) executed by a lite member
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dmap -help for a list of all commands.
package cmd
