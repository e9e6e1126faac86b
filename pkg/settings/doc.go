// Package settings manages SSO provider configuration records.
//
// # Lifecycle
//
// Configurations are created as drafts by an administrator. A draft is never
// used for end-user logins; it can only be exercised through an admin-only
// dry run of the full federation flow. Once a dry run succeeds, Activate
// promotes the draft and supersedes the previous active record for the same
// provider. At most one record per provider is active at a time, and
// superseded records are retained for audit.
package settings
