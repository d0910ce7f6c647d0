// Package api implements the HTTP surface: synchronous scrape/send endpoints,
// the asynchronous capture lifecycle under /v1/captures, and operational
// endpoints for health and metrics.
package api
