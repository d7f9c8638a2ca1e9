// Package proxy routes scraper requests through one of three transports:
// a direct pooled session, a residential proxy pool, or a managed scraper API.
// Callers use Client.Get regardless of the mode in effect.
package proxy

import (
	"fmt"
	"strings"
)

// Mode selects the transport.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeResidential   Mode = "residential"
	ModeWebScraperAPI Mode = "web_scraper_api"
)

// modeAliases maps accepted spellings onto a canonical Mode.
var modeAliases = map[string]Mode{
	"":                "",
	"direct":          ModeDirect,
	"none":            ModeDirect,
	"residential":     ModeResidential,
	"web_scraper_api": ModeWebScraperAPI,
	"scraper_api":     ModeWebScraperAPI,
}

// IsValid reports whether m is a canonical mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeDirect, ModeResidential, ModeWebScraperAPI:
		return true
	default:
		return false
	}
}

// Proxied reports whether requests leave through a third party.
func (m Mode) Proxied() bool {
	return m == ModeResidential || m == ModeWebScraperAPI
}

func (m Mode) String() string { return string(m) }

// ParseMode accepts canonical names, the scraper_api alias, and any casing.
// The empty string parses as ModeDirect.
func ParseMode(s string) (Mode, error) {
	m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	if m == "" {
		return ModeDirect, nil
	}
	return m, nil
}

// SessionType controls exit IP stickiness for residential requests.
type SessionType string

const (
	SessionRotating SessionType = "rotating"
	SessionSticky   SessionType = "sticky"
)
