package federation

import (
	"errors"
	"fmt"
)

var (
	// ErrCsrf is returned when the state from the callback URL and the
	// state cookie disagree. Nothing is consumed; neither half alone
	// proves anything.
	ErrCsrf = errors.New("state parameter and state cookie mismatch")
	// ErrExpiredOrUnknownState covers absent, expired and already
	// consumed states alike so responses cannot be used as an oracle
	ErrExpiredOrUnknownState = errors.New("expired or unknown state")
	// ErrResourceOwnerMismatch covers every failed assertion about the
	// authenticated resource owner: email, nonce or freshness
	ErrResourceOwnerMismatch = errors.New("resource owner mismatch")
	// ErrUserNotFound is returned by Directory lookups that miss
	ErrUserNotFound = errors.New("user not found")
)

// FederationError carries an error the identity provider reported during
// the code exchange. The description is logged server-side and never sent
// to the end user.
type FederationError struct {
	Code        string
	Description string
}

func (e *FederationError) Error() string {
	return fmt.Sprintf("identity provider error: %s", e.Code)
}
