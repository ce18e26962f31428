// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shim

import "regexp"

// legacy user agents which report CORS support but cannot send credentials
var legacyUserAgent = regexp.MustCompile(`MSIE [6-9]\.`)

// Environment describes the capabilities of the runtime environment
type Environment struct {
	// CORS is true if cross-origin requests with credentials are supported
	CORS bool
	// UserAgent of the environment, if any
	UserAgent string
	// Messaging is true if a message channel to a proxy endpoint is available
	Messaging bool
}

// UseShim decides between the shim and direct requests with credentials.
// The shim is used if the environment has no CORS support or is a legacy
// user agent, and supports messaging.
func (e Environment) UseShim() bool {
	noCORS := !e.CORS || legacyUserAgent.MatchString(e.UserAgent)
	return noCORS && e.Messaging
}
