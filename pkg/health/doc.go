/*
Package health runs dependency probes for the health endpoints.

A Checker probes one named dependency; PingChecker adapts anything with
a Ping method, which both the store and the queue expose. CheckAll fans
the probes out in parallel under a single timeout, so a hung dependency
costs one timeout rather than one per probe.

The package knows nothing about HTTP. pkg/api renders results as the
public /v1/health body; pkg/metrics renders them as the readiness probe
on the operational listener.

# Integration Points

This package integrates with:

  - pkg/store and pkg/queue: the Ping surfaces being probed
  - pkg/api: GET /v1/health
  - pkg/metrics: GET /ready on the metrics listener
*/
package health
