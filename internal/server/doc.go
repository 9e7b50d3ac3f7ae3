// Package server hosts the Fiber HTTP service for the gateway: request ID and
// panic middlewares, the catch-all route that hands traffic to the proxy
// handler, and the shared upstream http.Client. Diagnostics endpoints under
// /-/ live in the routes subpackage so this package stays free of gateway
// imports.
package server
