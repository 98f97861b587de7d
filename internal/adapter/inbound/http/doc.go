// Package http is the inbound HTTP adapter: the governed proxy endpoint,
// health and metrics endpoints, and the middleware chain around them.
package http
