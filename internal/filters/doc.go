// Package filters holds the stock filters run around the proxy endpoint.
package filters

// Inbound filter order. Lower runs first.
const (
	OrderRequestID = 0
	OrderDebug     = 5
	OrderRoute     = 10
	OrderThrottle  = 20
)

// Outbound filter order.
const (
	OrderResponseHeaders = 0
)
