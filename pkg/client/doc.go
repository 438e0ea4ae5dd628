// Package client is a thin HTTP client over the storage API, used by
// the CLI subcommands.
package client
