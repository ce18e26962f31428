// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"fmt"
	"time"
)

// LoginResponse is the body of a successful login or token refresh
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// FromLoginResponse returns the access token and, if present, the refresh
// token of a login response. The access token expires expires_in seconds
// after now, or at the exp claim if the token is a JWT and expires_in is
// missing.
func FromLoginResponse(response LoginResponse, now time.Time) ([]*Token, error) {
	if response.AccessToken == "" {
		return nil, fmt.Errorf("login response has no access token")
	}
	access := &Token{
		Token:  response.AccessToken,
		Type:   TypeAccess,
		Scheme: response.TokenType,
	}
	if response.ExpiresIn > 0 {
		expire := now.Add(time.Duration(response.ExpiresIn) * time.Second).UTC()
		access.ExpireTime = &expire
	} else if expire, err := ExpireTimeFromJWT(response.AccessToken); err == nil {
		access.ExpireTime = expire
	}
	tokens := []*Token{access}
	if response.RefreshToken != "" {
		tokens = append(tokens, &Token{Token: response.RefreshToken, Type: TypeRefresh})
	}
	return tokens, nil
}
