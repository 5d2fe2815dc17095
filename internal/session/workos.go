package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/workos/workos-go/v6/pkg/usermanagement"
)

// WorkOSConfig configures the AuthKit provider.
type WorkOSConfig struct {
	APIKey      string
	ClientID    string
	RedirectURI string
}

// WorkOSProvider authenticates users through WorkOS AuthKit.
type WorkOSProvider struct {
	cfg WorkOSConfig
}

func NewWorkOSProvider(cfg WorkOSConfig) (*WorkOSProvider, error) {
	if cfg.APIKey == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, errors.New("workos api key, client id and redirect uri are required")
	}
	usermanagement.SetAPIKey(cfg.APIKey)
	return &WorkOSProvider{cfg: cfg}, nil
}

func (p *WorkOSProvider) AuthorizationURL(state string) (string, error) {
	u, err := usermanagement.GetAuthorizationURL(usermanagement.GetAuthorizationURLOpts{
		ClientID:    p.cfg.ClientID,
		RedirectURI: p.cfg.RedirectURI,
		State:       state,
		Provider:    "authkit",
	})
	if err != nil {
		return "", fmt.Errorf("generating authorization URL: %w", err)
	}
	return u.String(), nil
}

func (p *WorkOSProvider) Exchange(ctx context.Context, code string) (Assertion, error) {
	resp, err := usermanagement.AuthenticateWithCode(ctx, usermanagement.AuthenticateWithCodeOpts{
		ClientID: p.cfg.ClientID,
		Code:     code,
	})
	if err != nil {
		return Assertion{}, fmt.Errorf("authenticating with code: %w", err)
	}
	u := resp.User
	return Assertion{
		Subject:     u.ID,
		Email:       u.Email,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}, nil
}
