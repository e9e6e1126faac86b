package federation

import "context"

// User is the slice of the application's user record this service needs
type User struct {
	ID       string
	Username string
}

// Directory looks up users in the application's user store. The directory
// itself is owned by the surrounding application; this service only reads.
type Directory interface {
	ByID(ctx context.Context, id string) (*User, error)
	// ByEmail resolves a user by username, matched case-insensitively.
	// Misses return ErrUserNotFound.
	ByEmail(ctx context.Context, email string) (*User, error)
}

// Registrar starts self-registration for an email that authenticated at
// the identity provider but has no account yet, during a recover flow.
// It returns the URL the browser should be sent to.
type Registrar interface {
	BeginRegistration(ctx context.Context, email string) (string, error)
}

// ClientContext is the calling browser's binding, captured at flow start
// and re-checked at every assertion.
type ClientContext struct {
	IP        string
	UserAgent string
}
