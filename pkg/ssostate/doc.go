// Package ssostate persists the single-use state rows that guard each SSO
// authorization round-trip. A row pairs the browser-visible state value with
// a server-held nonce and the client binding captured at flow start, and is
// consumed exactly once regardless of how the round-trip ends.
package ssostate
