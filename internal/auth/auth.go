// Package auth verifies the bearer credential carried by a WebSocket
// handshake and resolves it to a user identity.
package auth

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/tribe-app/realtime/internal/store"
)

var logger = loggo.GetLogger("tribe.auth")

// Identity is an authenticated user, resolved once per connection.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
}

// TokenVerifier validates a credential and yields the identity it names.
// Every rejection satisfies errors.IsUnauthorized.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// accessTokenType is the "type" claim carried by access tokens; refresh
// tokens are signed with the same key and must not open sockets.
const accessTokenType = "access"

// JWTVerifier verifies HS256 access tokens and resolves the subject against
// the user store.
type JWTVerifier struct {
	key   []byte
	users store.UserLookup
	clock clock.Clock
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, users store.UserLookup, clk clock.Clock) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.NotValidf("empty JWT secret")
	}
	if users == nil {
		return nil, errors.NotValidf("nil UserLookup")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &JWTVerifier{key: []byte(secret), users: users, clock: clk}, nil
}

// VerifyToken implements TokenVerifier.
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.Unauthorizedf("missing token")
	}
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, v.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.clock.Now)),
	)
	if err != nil {
		logger.Debugf("rejecting token: %v", err)
		return Identity{}, errors.Unauthorizedf("invalid token")
	}
	if typ, ok := tok.Get("type"); ok && typ != accessTokenType {
		return Identity{}, errors.Unauthorizedf("token type %v", typ)
	}
	subject := tok.Subject()
	if subject == "" {
		return Identity{}, errors.Unauthorizedf("token without subject")
	}

	user, err := v.users.LookupUser(ctx, subject)
	if errors.IsNotFound(err) {
		return Identity{}, errors.Unauthorizedf("unknown user %q", subject)
	} else if err != nil {
		return Identity{}, errors.Annotatef(err, "resolving user %q", subject)
	}
	return Identity{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName(),
	}, nil
}
