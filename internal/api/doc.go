// Package api exposes the REST surface of the marketplace: agent
// registration, task escrow and bidding, proof submission, verdicts and
// balance withdrawal. It also serves the Prometheus-style /metrics endpoint.
package api
