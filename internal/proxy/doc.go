// Package proxy exposes the cache worker to real HTTP clients: a Fiber front
// that replays same-origin page requests through the worker, and a goproxy
// forward proxy that does the same for any browser or tool configured to use
// it, optionally decrypting HTTPS with a configured CA.
package proxy
