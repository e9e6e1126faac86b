package handoff

import (
	"context"
	"strings"
)

// Store issues and consumes single-use handoff tokens. Implementations must
// make ConsumeOrFail atomic: when two requests present the same token, at
// most one receives it.
type Store interface {
	// Create issues a fresh token of the given type bound to a user and
	// the issuing request's client context
	Create(ctx context.Context, typ Type, userID string, data Data) (*Token, error)
	// ConsumeOrFail atomically retrieves and deactivates the token
	// matching value and type. Any miss, including a token already spent,
	// yields ErrNotFound.
	ConsumeOrFail(ctx context.Context, value string, typ Type) (*Token, error)
}

// RequestContext carries the spending request's client binding and the
// runtime toggles controlling which parts of it are enforced.
type RequestContext struct {
	IP             string
	UserAgent      string
	CheckIP        bool
	CheckUserAgent bool
}

// AssertAndConsume spends a token and validates it against the presenting
// request. Consumption always happens first, so a token is dead after its
// first presentation even when the assertion fails.
func AssertAndConsume(ctx context.Context, store Store, value string, typ Type, userID string, rc RequestContext) (*Token, error) {
	tok, err := store.ConsumeOrFail(ctx, value, typ)
	if err != nil {
		return nil, err
	}
	if err := assertToken(tok, userID, rc); err != nil {
		return nil, err
	}
	return tok, nil
}

func assertToken(tok *Token, userID string, rc RequestContext) error {
	if userID != "" && !strings.EqualFold(tok.UserID, userID) {
		return ErrUserMismatch
	}
	if rc.CheckIP && tok.Data.IP != rc.IP {
		return ErrClientMismatch
	}
	if rc.CheckUserAgent && tok.Data.UserAgent != rc.UserAgent {
		return ErrClientMismatch
	}
	return nil
}
