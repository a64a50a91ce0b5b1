package deeplink

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildEscapesPlusInTicket(t *testing.T) {
	b := NewBuilder()
	uri, err := b.Build("abc+def+ghi", 12345)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	start := strings.Index(uri, "gameinfo:")
	if start < 0 {
		t.Fatalf("URI has no ticket segment: %s", uri)
	}
	segment := uri[start+len("gameinfo:"):]
	if end := strings.Index(segment, "+"); end >= 0 {
		segment = segment[:end]
	}

	if strings.Contains(segment, "abc+") {
		t.Errorf("Ticket segment contains literal '+': %s", segment)
	}
	if got, want := strings.Count(segment, "%2B"), 2; got != want {
		t.Errorf("Expected %d %%2B escapes in ticket segment, got %d (%s)", want, got, segment)
	}
}

func TestBuildFullyEncodesInnerURL(t *testing.T) {
	b := NewBuilder()
	uri, err := b.Build("ticket", 98765)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	start := strings.Index(uri, "placelauncherurl:")
	if start < 0 {
		t.Fatalf("URI has no place launcher segment: %s", uri)
	}
	inner := uri[start+len("placelauncherurl:"):]
	if end := strings.Index(inner, "+"); end >= 0 {
		inner = inner[:end]
	}

	if strings.ContainsAny(inner, ":/") {
		t.Errorf("Inner launcher URL has unescaped ':' or '/': %s", inner)
	}
	if !strings.Contains(inner, "98765") {
		t.Errorf("Inner launcher URL does not carry the place id: %s", inner)
	}
}

func TestBuildRejectsEmptyTicket(t *testing.T) {
	b := NewBuilder()
	for _, ticket := range []string{"", "   ", "\t"} {
		if _, err := b.Build(ticket, 1); !errors.Is(err, ErrAuthTicketInvalid) {
			t.Errorf("Build(%q) error = %v, want ErrAuthTicketInvalid", ticket, err)
		}
	}
}

func TestBuildStartsWithSchemeAndLaunchMode(t *testing.T) {
	b := NewBuilder()
	uri, err := b.Build("ticket", 1)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !strings.HasPrefix(uri, "roblox-player:1+launchmode:play+") {
		t.Errorf("URI missing scheme or launch-mode marker: %s", uri)
	}
}

func TestCaptureTemplate(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		wantErr bool
	}{
		{
			name: "Valid externally-issued link",
			link: "roblox-player:1+launchmode:play+gameinfo:OLDTICKET+launchtime:170+placelauncherurl:x",
		},
		{
			name:    "No ticket segment",
			link:    "roblox-player:1+launchmode:play",
			wantErr: true,
		},
		{
			name:    "Ticket is the last field",
			link:    "roblox-player:1+gameinfo:OLDTICKET",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			err := b.CaptureTemplate(tt.link)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CaptureTemplate error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !b.HasTemplate() {
				t.Fatal("Expected template to be captured")
			}
			uri, err := b.Build("NEW+TICKET", 1)
			if err != nil {
				t.Fatalf("Build with template returned error: %v", err)
			}
			if strings.Contains(uri, "OLDTICKET") {
				t.Errorf("Template build kept the old ticket: %s", uri)
			}
			if !strings.Contains(uri, "NEW%2BTICKET") {
				t.Errorf("Template build did not substitute the escaped ticket: %s", uri)
			}
			if !strings.HasSuffix(uri, "+launchtime:170+placelauncherurl:x") {
				t.Errorf("Template suffix not preserved: %s", uri)
			}
		})
	}
}

func TestFallbackURI(t *testing.T) {
	if got, want := FallbackURI(4242), "roblox://placeId=4242"; got != want {
		t.Errorf("FallbackURI = %q, want %q", got, want)
	}
}
