// Package identity resolves who is on the other end of a websocket handshake.
//
// The relay does not make authentication decisions of its own. A Resolver
// turns connection-establishment data into an Identity, and the relay trusts
// whatever it returns.
package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// Identity is the resolved owner of a connection.
// An empty UserID means the connection is unauthenticated.
type Identity struct {
	UserID   string
	ServerID string
}

// Authenticated reports whether a user id was resolved.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// Resolver extracts an Identity from a handshake request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(r *http.Request) (Identity, error)

// Resolve calls f(r).
func (f ResolverFunc) Resolve(r *http.Request) (Identity, error) {
	return f(r)
}

// QueryResolver trusts the userId and serverId query parameters as given.
type QueryResolver struct{}

// Resolve reads userId and serverId from the request query.
func (QueryResolver) Resolve(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	return Identity{
		UserID:   strings.TrimSpace(q.Get("userId")),
		ServerID: strings.TrimSpace(q.Get("serverId")),
	}, nil
}

// Claims is the JWT payload accepted by JWTResolver.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTResolver takes the user id from an HS256 token and the server id from
// the serverId query parameter. Requests without a token resolve to an
// unauthenticated identity; requests with a bad token fail.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver that verifies tokens signed with secret.
// If issuer is non-empty the iss claim must match it.
func NewJWTResolver(secret, issuer string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer}
}

// Resolve verifies the token from the token query parameter or the
// Authorization bearer header.
func (j *JWTResolver) Resolve(r *http.Request) (Identity, error) {
	id := Identity{ServerID: strings.TrimSpace(r.URL.Query().Get("serverId"))}

	raw := tokenFromRequest(r)
	if raw == "" {
		return id, nil
	}

	claims, err := j.Validate(raw)
	if err != nil {
		return Identity{}, err
	}
	id.UserID = claims.UserID
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	return id, nil
}

// Validate parses and verifies a token string.
func (j *JWTResolver) Validate(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, oops.Code("INVALID_TOKEN").Wrapf(err, "parse token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, oops.Code("INVALID_TOKEN").Errorf("token is not valid")
	}
	return claims, nil
}

// Issue signs a token for userID that expires after ttl.
func (j *JWTResolver) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", oops.Wrapf(err, "sign token")
	}
	return signed, nil
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
