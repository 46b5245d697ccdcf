// Package token fetches transport credentials from the external signing
// service.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/guardtalk/guardtalk/internal/core"
)

type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenRequest struct {
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
	Role            string `json:"role"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Token requests a credential. Any non-2xx status or malformed body is
// TokenGenerationFailed; the caller aborts that session attempt.
func (c *Client) Token(ctx context.Context, roomName, participantName, role string) (string, error) {
	body, err := json.Marshal(tokenRequest{
		RoomName:        roomName,
		ParticipantName: participantName,
		Role:            role,
	})
	if err != nil {
		return "", core.NewError(core.TokenGenerationFailed, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", core.NewError(core.TokenGenerationFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", core.NewError(core.TokenGenerationFailed, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewError(core.TokenGenerationFailed,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", core.NewError(core.TokenGenerationFailed, "malformed token response", err)
	}
	if tr.Token == "" {
		return "", core.NewError(core.TokenGenerationFailed, "empty token in response", nil)
	}
	return tr.Token, nil
}

var _ core.TokenProvider = (*Client)(nil)
