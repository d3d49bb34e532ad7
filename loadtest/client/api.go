package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API calls the DM REST endpoints on behalf of simulated users.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates an API client for the server at baseURL
// (e.g. http://localhost:8080).
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d (%s)", e.Status, e.Code)
}

// SendMessage posts a message from the token's user to receiverID.
func (a *API) SendMessage(ctx context.Context, token, receiverID, body string) error {
	payload, err := json.Marshal(map[string]string{
		"receiver_id": receiverID,
		"message":     body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	return &StatusError{Status: resp.StatusCode, Code: e.Error.Code}
}
