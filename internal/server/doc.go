// Package server hosts the Fiber HTTP service: the middleware chain (recovery,
// request IDs, bearer auth for the /-/ control surface) and the catch-all that
// hands same-origin page requests to the cache worker front. Control and
// diagnostics routes live in the routes subpackage so they can depend on the
// worker and controller without this package importing them.
package server
