// Package redact scrubs URLs and error strings before they reach a log line.
package redact

import (
	"net/url"
	"regexp"
)

const placeholder = "REDACTED"

var (
	// customer-{user}...:{password}@ as used in residential proxy URLs.
	proxyCredentials = regexp.MustCompile(`customer-[^:@\s/]+:\S*@`)
	// A URL embedded in free text, up to whitespace or a quote.
	embeddedURL = regexp.MustCompile(`(?i)[a-z][a-z0-9+.-]*://[^\s"'<>]+`)
	// scheme://anything@ up to the last @ of the token.
	userinfo = regexp.MustCompile(`(?i)^([a-z][a-z0-9+.-]*://)\S*@`)
)

// URL drops the query string, fragment and userinfo of raw.
// Values that do not parse are passed through String instead.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return String(raw)
	}
	if u.User != nil {
		u.User = url.User(placeholder)
	}
	if u.RawQuery != "" {
		u.RawQuery = placeholder
	}
	u.Fragment = ""
	return u.String()
}

// String removes credentials embedded in free text such as transport error messages.
func String(s string) string {
	s = embeddedURL.ReplaceAllStringFunc(s, scrubUserinfo)
	return proxyCredentials.ReplaceAllString(s, placeholder+"@")
}

// scrubUserinfo replaces the userinfo of one URL token. Tokens net/url rejects,
// such as a password containing '/', lose everything up to their last '@'.
func scrubUserinfo(token string) string {
	if u, err := url.Parse(token); err == nil {
		if u.User == nil || u.User.String() == placeholder {
			return token
		}
		u.User = url.User(placeholder)
		return u.String()
	}
	return userinfo.ReplaceAllString(token, "${1}"+placeholder+"@")
}

// Error is String applied to err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
