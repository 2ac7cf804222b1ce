// Package cache defines the named, durable response stores owned by the cache
// worker. A Storage hands out Store handles by name (for example
// truvista-image-cache-v1); each Store maps a GET request URL to the response
// captured from the network and preserves insertion order, which Trim uses to
// evict the longest-resident entries first. Three backends share the same
// contract: file (entry files written via temp file + rename), sqlite
// (modernc.org/sqlite) and memory. Callers never reach for a global store;
// the worker and the controller receive a Storage explicitly.
package cache
