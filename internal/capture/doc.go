// Package capture holds the domain model of the screenshot service: capture
// jobs, rendering options with their defaults, persisted shot records, and
// the interfaces the pipeline components implement.
package capture
