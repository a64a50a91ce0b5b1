// Package deeplink builds the scheme-qualified payload string that tells
// a launched instance which place to join and with which credentials.
package deeplink

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrAuthTicketInvalid is returned for an empty or malformed
// authentication ticket. Callers mark the session failed rather than
// propagating it.
var ErrAuthTicketInvalid = errors.New("invalid authentication ticket")

const (
	scheme           = "roblox-player:1"
	launchModeMarker = "launchmode:play"
	placeLauncherFmt = "https://assetgame.roblox.com/game/PlaceLauncher.ashx?request=RequestGame&placeId=%d"
)

// Template is a previously-captured externally-issued deep link with the
// ticket cut out. The externally-issued form is occasionally more
// compatible with the receiving application than a hand-built one, so it
// is preferred when available.
type Template struct {
	Prefix string
	Suffix string
}

// Builder constructs launch URIs, optionally through a captured template.
type Builder struct {
	mu       sync.RWMutex
	template *Template
	now      func() time.Time
}

// NewBuilder creates a Builder without a template.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// CaptureTemplate harvests prefix/suffix strings from a real
// externally-issued deep link so later builds can substitute only the
// ticket. Links without a recognizable ticket segment are rejected.
func (b *Builder) CaptureTemplate(link string) error {
	const marker = "+gameinfo:"
	start := strings.Index(link, marker)
	if start < 0 {
		return fmt.Errorf("link has no ticket segment")
	}
	ticketStart := start + len(marker)
	rest := link[ticketStart:]
	end := strings.Index(rest, "+")
	if end < 0 {
		return fmt.Errorf("link has no field after the ticket segment")
	}

	b.mu.Lock()
	b.template = &Template{
		Prefix: link[:ticketStart],
		Suffix: rest[end:],
	}
	b.mu.Unlock()
	return nil
}

// HasTemplate reports whether a captured template is available.
func (b *Builder) HasTemplate() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.template != nil
}

// Build constructs the launch URI for an authentication ticket and place.
// The ticket is percent-encoded with literal '+' always escaped to %2B;
// the receiving parser treats '+' as a field separator. The inner
// place-launcher URL is fully percent-encoded, leaving no literal ':' or
// '/'.
func (b *Builder) Build(authTicket string, placeID int64) (string, error) {
	if strings.TrimSpace(authTicket) == "" {
		return "", ErrAuthTicketInvalid
	}

	ticket := escapeComponent(authTicket)

	b.mu.RLock()
	tmpl := b.template
	b.mu.RUnlock()
	if tmpl != nil {
		return tmpl.Prefix + ticket + tmpl.Suffix, nil
	}

	launcherURL := escapeComponent(fmt.Sprintf(placeLauncherFmt, placeID))
	return strings.Join([]string{
		scheme,
		launchModeMarker,
		"gameinfo:" + ticket,
		fmt.Sprintf("launchtime:%d", b.now().UnixMilli()),
		"placelauncherurl:" + launcherURL,
	}, "+"), nil
}

// FallbackURI is the minimal place-only URI used when no full payload can
// be formed. It degrades to launching without auto-join rather than
// failing the launch outright.
func FallbackURI(placeID int64) string {
	return fmt.Sprintf("roblox://placeId=%d", placeID)
}

// escapeComponent percent-encodes everything outside the unreserved set.
// Unlike general query escaping it also escapes '+', and it never emits
// '+' for spaces.
func escapeComponent(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
		} else {
			sb.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}
