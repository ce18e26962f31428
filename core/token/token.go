// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package token is the single source of truth for the authentication tokens of
an application.

A Store keeps the tokens in a storage.Driver under application scoped keys and
announces every change on a single slot message bus key. All stores sharing
the same storage (several goroutines, processes or app instances) see each
other's updates: a logout in one context is a logout in all of them.
*/
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Type is the type of a token
type Type string

// all supported token types
const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// DefaultScheme is the authorization scheme for tokens without scheme
const DefaultScheme = "bearer"

// ErrNoStorage is returned when a store is created without storage
var ErrNoStorage = errors.New("token storage unavailable")

// Token is an authentication token. Tokens are replaced wholesale, never
// modified in place.
type Token struct {
	Token      string     `json:"token"`
	Type       Type       `json:"type"`
	ExpireTime *time.Time `json:"expireTime,omitempty"`
	Scheme     string     `json:"scheme,omitempty"`
}

// IsValid returns true if the token exists and has no expire time or an
// expire time strictly after now
func (t *Token) IsValid(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return t.ExpireTime == nil || t.ExpireTime.After(now)
}

// AuthorizationScheme returns the scheme used in the Authorization header
func (t *Token) AuthorizationScheme() string {
	if t.Scheme == "" {
		return DefaultScheme
	}
	return t.Scheme
}

// Clone returns a deep copy of the token
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.ExpireTime != nil {
		e := *t.ExpireTime
		c.ExpireTime = &e
	}
	return &c
}

// Handler is what the request pipeline needs from a token store
type Handler interface {
	// Store stores a token
	Store(ctx context.Context, token *Token) error
	// Get returns the token of type t, TypeAccess if t is empty, or nil
	Get(ctx context.Context, t Type) *Token
}

// ParseAuthorization parses an Authorization header value "<scheme> <token>"
// into an access token. A value without scheme gets the default scheme.
func ParseAuthorization(value string) (*Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty authorization")
	}
	t := &Token{Type: TypeAccess}
	if scheme, token, found := strings.Cut(value, " "); found {
		t.Scheme, t.Token = scheme, strings.TrimSpace(token)
	} else {
		t.Token = value
	}
	if t.Token == "" {
		return nil, fmt.Errorf("authorization without token")
	}
	if expire, err := ExpireTimeFromJWT(t.Token); err == nil {
		t.ExpireTime = expire
	}
	return t, nil
}

// ExpireTimeFromJWT returns the expire time of a JWT. The signature is not
// verified, the token is only inspected. The expire time is nil if the token
// has no exp claim.
func ExpireTimeFromJWT(tokenString string) (*time.Time, error) {
	var claims jwt.StandardClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.ExpiresAt == 0 {
		return nil, nil
	}
	expire := time.Unix(claims.ExpiresAt, 0).UTC()
	return &expire, nil
}
