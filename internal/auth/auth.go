// Package auth validates JWTs minted by the external identity provider. This
// service never issues credentials of its own.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ContextKey string

const UserKey ContextKey = "user"

// User is the authenticated caller identity carried on request contexts.
type User struct {
	ID   string
	Name string
}

// Claims is the token shape we accept: registered claims plus the provider's
// display-name claim.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// MakeJWT mints a token the way the identity provider does. Used by tests and
// the load generator; the server itself only validates.
func MakeJWT(userID, name, tokenSecret string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
		Name: name,
	})

	return token.SignedString([]byte(tokenSecret))
}

func ValidateJWT(tokenString, tokenSecret string) (User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return User{}, fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return User{}, errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return User{}, errors.New("internal/auth: subject claim is missing")
	}

	return User{ID: claims.Subject, Name: claims.Name}, nil
}

// GetUserFromContext returns the caller set by the auth middleware.
func GetUserFromContext(ctx context.Context) (User, error) {
	user, ok := ctx.Value(UserKey).(User)
	if !ok {
		return User{}, errors.New("internal/auth: no user in context")
	}
	return user, nil
}
