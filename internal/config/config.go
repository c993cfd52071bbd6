package config

import (
	"fmt"
	"net/url"
)

type Config struct {
	// ServerURL is the base URL of the marketplace chat API.
	ServerURL string
	// WebsocketURL is the live channel endpoint. Derived from ServerURL
	// when left empty.
	WebsocketURL string
	Email        string
	Password     string
}

func NewConfig(serverURL, websocketURL, email, password string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	if websocketURL == "" {
		derived, err := deriveWebsocketURL(serverURL)
		if err != nil {
			return nil, fmt.Errorf("derive websocket URL: %w", err)
		}
		websocketURL = derived
	}

	return &Config{
		ServerURL:    serverURL,
		WebsocketURL: websocketURL,
		Email:        email,
		Password:     password,
	}, nil
}

func deriveWebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	return u.String(), nil
}
