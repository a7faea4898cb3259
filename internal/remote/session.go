package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// State is the connection state of a Client.
type State int

const (
	Unconnected State = iota
	LoggedIn
)

func (s State) String() string {
	if s == LoggedIn {
		return "logged_in"
	}
	return "unconnected"
}

// Session is the credential material held by a logged-in Client.
type Session struct {
	CookieName  string
	CookieValue string
	CSRFToken   string
	// LogoutToken is only issued by the v2 API.
	LogoutToken string
}

// SessionCookie is a session established outside the client, typically the
// browser cookie of a user already signed in to the remote system.
type SessionCookie struct {
	Name  string
	Value string
}

// CookieName returns the name of the remote session cookie: "SSESS" for https
// hosts, "SESS" otherwise, followed by the first 32 hex characters of the
// sha256 of the cookie domain. With no cookie domain, the host URI without its
// scheme is hashed instead.
func CookieName(hostURI, cookieDomain string) string {
	prefix := "SESS"
	if strings.HasPrefix(strings.ToLower(hostURI), "https://") {
		prefix = "SSESS"
	}
	domain := cookieDomain
	if domain == "" {
		domain = hostURI
		if i := strings.Index(domain, "://"); i >= 0 {
			domain = domain[i+3:]
		}
	}
	sum := sha256.Sum256([]byte(domain))
	return prefix + hex.EncodeToString(sum[:])[:32]
}
