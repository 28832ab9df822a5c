// ABOUTME: Outbound Messenger Graph API client
// ABOUTME: Sends text replies and looks up customer profiles

package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGraphURL is the public Graph API host.
const DefaultGraphURL = "https://graph.facebook.com"

const (
	sendAPIVersion    = "v20.0"
	profileAPIVersion = "v18.0"
)

// Profile is the public profile of a Messenger customer.
type Profile struct {
	Name       string `json:"name"`
	ProfilePic string `json:"profile_pic"`
}

// Sender delivers a text message to a channel customer.
type Sender interface {
	SendText(ctx context.Context, recipientID, text string) error
}

// ProfileFetcher resolves a customer's public profile.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, customerID string) (*Profile, error)
}

// Client talks to the Graph API with a page access token.
type Client struct {
	graphURL    string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client. An empty graphURL uses DefaultGraphURL.
func NewClient(graphURL, accessToken string, logger *slog.Logger) *Client {
	if graphURL == "" {
		graphURL = DefaultGraphURL
	}
	return &Client{
		graphURL:    strings.TrimRight(graphURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger.With("component", "messenger"),
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// SendText sends text to recipientID. Without an access token the message is
// skipped with a warning and no error.
func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	if c.accessToken == "" {
		c.logger.Warn("no page access token configured, message not sent", "recipient", recipientID)
		return nil
	}

	var body sendRequest
	body.Recipient.ID = recipientID
	body.Message.Text = text

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		c.graphURL, sendAPIVersion, url.QueryEscape(c.accessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sending message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	c.logger.Debug("message sent", "recipient", recipientID)
	return nil
}

// GetProfile fetches the name and picture of a customer.
func (c *Client) GetProfile(ctx context.Context, customerID string) (*Profile, error) {
	if c.accessToken == "" {
		return nil, fmt.Errorf("fetching profile: no page access token configured")
	}

	endpoint := fmt.Sprintf("%s/%s/%s?fields=name,profile_pic&access_token=%s",
		c.graphURL, profileAPIVersion, url.PathEscape(customerID), url.QueryEscape(c.accessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetching profile: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &profile, nil
}
