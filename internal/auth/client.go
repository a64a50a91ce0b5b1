// Package auth fetches short-lived authentication tickets from the remote
// service. Tickets are single-use; a fresh one is fetched for every launch
// attempt and never cached, because reuse is rejected remotely.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrNetwork wraps transport-level failures talking to the service.
	ErrNetwork = errors.New("authentication service unreachable")

	// ErrTicketRejected means the service answered but issued no ticket.
	ErrTicketRejected = errors.New("authentication ticket request rejected")
)

const (
	securityCookieName = ".ROBLOSECURITY"
	csrfTokenHeader    = "x-csrf-token"
	ticketHeader       = "rbx-authentication-ticket"
)

// TicketSource issues a fresh authentication ticket for a credential.
type TicketSource interface {
	FreshTicket(ctx context.Context, credential string) (string, error)
}

// Client is the HTTP implementation of TicketSource, speaking the remote
// service's anti-forgery handshake: the first unauthenticated POST is
// refused with a token in the response header, and the retry carries it.
type Client struct {
	httpClient *http.Client
	ticketURL  string
	logger     *slog.Logger
}

// NewClient creates a Client for the given ticket endpoint.
func NewClient(ticketURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		ticketURL:  ticketURL,
		logger:     logger.With("component", "AuthClient"),
	}
}

// FreshTicket obtains a new single-use ticket for the session credential.
func (c *Client) FreshTicket(ctx context.Context, credential string) (string, error) {
	csrf, err := c.fetchCSRFToken(ctx, credential)
	if err != nil {
		return "", err
	}

	resp, err := c.post(ctx, credential, csrf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	ticket := resp.Header.Get(ticketHeader)
	if resp.StatusCode != http.StatusOK || ticket == "" {
		c.logger.Warn("Ticket request rejected", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrTicketRejected, resp.StatusCode)
	}
	return ticket, nil
}

// fetchCSRFToken performs the deliberately-failing first request whose
// response carries the anti-forgery token.
func (c *Client) fetchCSRFToken(ctx context.Context, credential string) (string, error) {
	resp, err := c.post(ctx, credential, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(csrfTokenHeader); token != "" {
		return token, nil
	}
	if resp.StatusCode == http.StatusOK {
		// Service accepted without a handshake; no token needed.
		return "", nil
	}
	return "", fmt.Errorf("%w: no anti-forgery token issued (status %d)", ErrTicketRejected, resp.StatusCode)
}

func (c *Client) post(ctx context.Context, credential, csrf string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ticketURL, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: securityCookieName, Value: credential})
	req.Header.Set("Referer", "https://www.roblox.com/")
	if csrf != "" {
		req.Header.Set(csrfTokenHeader, csrf)
	}
	return c.httpClient.Do(req)
}
