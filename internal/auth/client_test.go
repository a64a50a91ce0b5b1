package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ticketServer mimics the remote handshake: the first POST without a token
// is refused with 403 plus a token header, the retry with the token gets a
// ticket.
func ticketServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var credentials []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(".ROBLOSECURITY")
		if err != nil {
			t.Errorf("Request without security cookie")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		credentials = append(credentials, cookie.Value)

		if r.Header.Get("x-csrf-token") == "" {
			w.Header().Set("x-csrf-token", "tok-123")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("x-csrf-token") != "tok-123" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("rbx-authentication-ticket", "TICKET-"+cookie.Value)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &credentials
}

func TestFreshTicketHandshake(t *testing.T) {
	srv, credentials := ticketServer(t)
	c := NewClient(srv.URL, time.Second, nil)

	ticket, err := c.FreshTicket(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("FreshTicket returned error: %v", err)
	}
	if ticket != "TICKET-cred-a" {
		t.Errorf("Ticket = %q, want TICKET-cred-a", ticket)
	}
	if len(*credentials) != 2 {
		t.Errorf("Handshake made %d requests, want 2", len(*credentials))
	}
}

func TestFreshTicketEachCallIsFresh(t *testing.T) {
	srv, _ := ticketServer(t)
	c := NewClient(srv.URL, time.Second, nil)

	first, err := c.FreshTicket(context.Background(), "cred-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.FreshTicket(context.Background(), "cred-b")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("Tickets for different credentials collided: %q", first)
	}
}

func TestFreshTicketRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-csrf-token") == "" {
			w.Header().Set("x-csrf-token", "tok-123")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		// Token accepted but no ticket issued for this credential.
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	if _, err := c.FreshTicket(context.Background(), "bad-cred"); !errors.Is(err, ErrTicketRejected) {
		t.Errorf("FreshTicket error = %v, want ErrTicketRejected", err)
	}
}

func TestFreshTicketNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewClient(srv.URL, time.Second, nil)
	if _, err := c.FreshTicket(context.Background(), "cred"); !errors.Is(err, ErrNetwork) {
		t.Errorf("FreshTicket error = %v, want ErrNetwork", err)
	}
}
