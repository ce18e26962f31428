// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package session logs users in and out of an application. Tokens of a
// session live in a token.Store, so every context sharing the store's
// storage shares the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/events"
	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/token"
)

// DefaultLoginRoute is the login route relative to the api root
const DefaultLoginRoute = "login"

// errors of the session
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoRefreshToken     = errors.New("no refresh token")
)

// Options are the options of a Session
type Options struct {
	// LoginRoute, default DefaultLoginRoute
	LoginRoute string
	// Now returns the current time, default time.Now
	Now func() time.Time
}

// Session is the login state of an application
type Session struct {
	client *httpclient.Client
	tokens *token.Store
	route  string
	now    func() time.Time
	log    *logrus.Entry
}

// New returns a session sending its requests through client and keeping the
// tokens in tokens
func New(client *httpclient.Client, tokens *token.Store, options Options) *Session {
	if options.LoginRoute == "" {
		options.LoginRoute = DefaultLoginRoute
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Session{
		client: client,
		tokens: tokens,
		route:  options.LoginRoute,
		now:    options.Now,
		log:    logger.Component("session"),
	}
}

// IsLoggedIn returns true if there is a valid access token
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	return s.tokens.Get(ctx, token.TypeAccess).IsValid(s.now())
}

// Login logs in with username and password using the password grant. The
// received tokens replace the tokens of any previous login and are announced
// to all contexts.
func (s *Session) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	if err := s.grant(ctx, form); err != nil {
		return err
	}
	s.log.Debugf("logged in as %s", username)
	return nil
}

// Refresh exchanges the refresh token for a new access token. If the server
// rejects the refresh token, the session ends.
func (s *Session) Refresh(ctx context.Context) error {
	refresh := s.tokens.Get(ctx, token.TypeRefresh)
	if refresh == nil {
		return ErrNoRefreshToken
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh.Token)
	err := s.grant(ctx, form)
	if errors.Is(err, ErrInvalidCredentials) {
		if expireErr := s.tokens.Expire(ctx); expireErr != nil {
			s.log.WithError(expireErr).Errorln("cannot expire tokens")
		}
	}
	return err
}

func (s *Session) grant(ctx context.Context, form url.Values) error {
	// a login never carries the token of a previous session
	header := http.Header{"Authorization": {""}}
	res, err := s.client.Post(ctx, s.route, form, header)
	if err != nil {
		return err
	}
	switch res.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, res.Expect(http.StatusOK))
	}
	if err := res.Expect(http.StatusOK); err != nil {
		return err
	}
	env, err := httpclient.Decode[token.LoginResponse](res)
	if err != nil {
		return err
	}
	tokens, err := token.FromLoginResponse(env.Body, s.now())
	if err != nil {
		return err
	}
	// a refresh keeps its refresh token, a login without one drops the old
	if env.Body.RefreshToken == "" && form.Get("grant_type") == "password" {
		if err := s.tokens.Remove(ctx, token.TypeRefresh); err != nil {
			return err
		}
	}
	return s.tokens.StoreAll(ctx, tokens...)
}

// Logout ends the session in every context sharing the token storage. The
// server is told to revoke the access token, a failure to do so is logged
// only.
func (s *Session) Logout(ctx context.Context) error {
	if access := s.tokens.Get(ctx, token.TypeAccess); access != nil {
		body := map[string]string{"token": access.Token, "type": string(token.TypeAccess)}
		res, err := s.client.Send(ctx, http.MethodDelete, s.route, body, nil)
		if err == nil {
			err = res.Expect()
		}
		if err != nil {
			s.log.WithError(err).Warnln("cannot revoke access token")
		}
	}
	return s.tokens.Expire(ctx)
}

// User returns the user of the session
func (s *Session) User(ctx context.Context) (*httpclient.Envelope[map[string]interface{}], error) {
	res, err := s.client.Get(ctx, s.route+"?embed=permissions", nil)
	if err != nil {
		return nil, err
	}
	if err := res.Expect(http.StatusOK); err != nil {
		return nil, err
	}
	return httpclient.Decode[map[string]interface{}](res)
}

// OnTokenExpired calls handler when the session ends in any context
func (s *Session) OnTokenExpired(handler events.HandlerFunc) (remove func()) {
	return s.tokens.Events().AddEvent(token.MessageTokenExpired, handler)
}

// OnTokenUpdated calls handler when a token is stored in any context
func (s *Session) OnTokenUpdated(handler events.HandlerFunc) (remove func()) {
	return s.tokens.Events().AddEvent(token.MessageTokenUpdated, handler)
}
