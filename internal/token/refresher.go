package token

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// OAuthRefresher performs real refresh-token exchanges against Google and
// Microsoft token endpoints.
type OAuthRefresher struct {
	google    *oauth2.Config
	microsoft *oauth2.Config
}

func NewOAuthRefresher(googleClientID, googleClientSecret, msClientID, msClientSecret string) *OAuthRefresher {
	return &OAuthRefresher{
		google: &oauth2.Config{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			Endpoint:     google.Endpoint,
		},
		microsoft: &oauth2.Config{
			ClientID:     msClientID,
			ClientSecret: msClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	var cfg *oauth2.Config
	switch provider {
	case "google":
		cfg = r.google
	case "microsoft":
		cfg = r.microsoft
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", provider)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", provider, err)
	}
	return tok, nil
}
