// Package worker implements the background cache worker. It is the only
// writer of the named cache stores and plays the role a service worker plays
// in the browser:
//
//   - lifecycle: Install precaches the application shell into the assets
//     store, Activate sweeps stores left behind by older versions and only then
//     starts intercepting;
//   - interception: HandleFetch answers property images cache-first (with a
//     background trim to the configured capacity) and every other GET
//     network-first with a cache fallback on transport errors;
//   - control channel: Post/Run form an actor loop handling CACHE_IMAGES and
//     CLEAR_IMAGE_CACHE messages one at a time, replying only when the sender
//     supplied a reply channel.
//
// Worker-internal failures are logged and swallowed. The only results that
// cross the boundary are the outcome of HandleFetch and CLEAR_IMAGE_CACHE
// replies.
package worker
