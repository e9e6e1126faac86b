// Package federation implements the two-stage OAuth2/OIDC login protocol
// against external identity providers. Stage 1 issues an authorization URL
// together with a single-use state row and its CSRF cookie; stage 2
// validates the callback, exchanges the code, verifies the ID token,
// asserts the resource owner and converts the round-trip into a one-time
// handoff token for the next application step.
//
// Provider specifics live behind the Adapter interface, with one
// implementation for the Microsoft identity platform and one for Google.
// The same orchestrator also powers the admin dry run, which exercises the
// full protocol against a draft configuration before it is activated.
package federation
