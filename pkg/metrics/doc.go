/*
Package metrics exposes Prometheus instrumentation for Amphora.

Collectors cover backend operations, block store writes, commission
issue/resolution counts, reconciliation cycles, and API requests. All
collectors register at init; Handler serves the /metrics endpoint.
*/
package metrics
