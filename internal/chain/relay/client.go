package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type ClientConfig struct {
	BaseURL   string `json:"baseUrl" mapstructure:"base_url"`
	ClientID  string `json:"clientId" mapstructure:"client_id"`
	ClientKey string `json:"clientKey" mapstructure:"client_key"`
	HMACKey   string `json:"hmacKey" mapstructure:"hmac_key"`
}

// Client is the low-level HTTP client to the chain relay backend. It
// authenticates once, keeps a bearer token, and refreshes it in the
// background when the relay rejects it.
type Client struct {
	// baseURL is the base url of the relay backend.
	baseURL string

	// clientID is the client id at the relay backend.
	clientID string

	// clientKey is the client secret at the relay backend.
	clientKey string

	// hmacKey signs every request body.
	hmacKey string

	// accessToken authenticates calls to the relay backend.
	accessToken string

	// mu locks the access token.
	mu sync.Mutex

	// toggleTokenRefresher notifies the refresher loop to renew the token.
	toggleTokenRefresher chan struct{}

	// hc is the http client.
	hc *http.Client
}

func newClient(c *ClientConfig) *Client {
	return &Client{
		baseURL:   c.BaseURL,
		clientID:  c.ClientID,
		clientKey: c.ClientKey,
		hmacKey:   c.HMACKey,

		// buffered so a 401 on a request path never blocks.
		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// refreshTokenLoop renews the access token periodically and whenever a
// request hits a 401, with exponential backoff on failure.
func (c *Client) refreshTokenLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return

		case <-ticker.C:

		case <-c.toggleTokenRefresher:
			log.Println("relay: token refresh requested")
		}

		backOff := time.Second

	Retry:
		for {
			token, err := c.connect(ctx)
			switch err {
			case nil:
				c.setAccessToken(token)
				break Retry

			default:
				log.Printf("relay: refreshTokenLoop: %v", err)
				select {
				case <-ctx.Done():
					return

				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

func (c *Client) setAccessToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// connect authenticates with the relay backend and returns a bearer token.
func (c *Client) connect(ctx context.Context) (string, error) {
	requestID, err := requestID()
	if err != nil {
		return "", fmt.Errorf("relay connect: requestID: %w", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"clientId":%q,"clientSecret":%q}`, requestID, c.clientID, c.clientKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("relay connect: http.NewReq: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256([]byte(body), []byte(c.hmacKey)))

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay connect: http.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay connect: status %d", resp.StatusCode)
	}

	var reply struct {
		Status string `json:"status"`
		Data   struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("relay connect: json.Decode: %w", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("relay connect: reply.Status: %v", reply.Status)
	}

	return fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken), nil
}

// post sends a signed, authenticated JSON request and decodes the
// standard {status,message,data} envelope into out.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay post %s: json.Marshal: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay post %s: http.NewReq: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256(body, []byte(c.hmacKey)))
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("relay post %s: http.Do: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return errors.New("relay: unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay post %s: status %d", path, resp.StatusCode)
	}

	var reply struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("relay post %s: json.Decode: %w", path, err)
	}
	if reply.Status != "OK" {
		return fmt.Errorf("relay post %s: reply.Status: %v, reply.Message: %v", path, reply.Status, reply.Message)
	}
	if out != nil {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("relay post %s: json.Unmarshal data: %w", path, err)
		}
	}
	return nil
}
