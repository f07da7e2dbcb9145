package token

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"mailsync/internal/mailbox/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
)

var (
	// ErrInteractionRequired means the identity provider wants the user to
	// sign in or consent again before it issues a token silently.
	ErrInteractionRequired = errors.New("interaction required")

	// ErrGrantRejected means the identity provider refused the grant.
	ErrGrantRejected = errors.New("grant rejected")
)

// SilentRenewer obtains a new access token without using the refresh token.
type SilentRenewer interface {
	RenewSilently(ctx context.Context, cred *domain.Credential) (*oauth2.Token, error)
}

// RefreshGranter exchanges a refresh token for a new token pair.
type RefreshGranter interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher runs the refresh_token grant against a token endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
}

func NewOAuthRefresher(clientID, clientSecret, tokenURL string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       scopes,
	}}
}

// NewGoogleRefresher uses Google's token endpoint, for the Gmail backend.
func NewGoogleRefresher(clientID, clientSecret string) *OAuthRefresher {
	return &OAuthRefresher{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
	}}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token forces the token source to hit the endpoint
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyGrantError("refresh token grant", err)
	}
	return tok, nil
}

// ClientCredentialsRenewer renews silently with the client_credentials grant.
type ClientCredentialsRenewer struct {
	config *clientcredentials.Config
}

func NewClientCredentialsRenewer(clientID, clientSecret, tokenURL string, scopes []string) *ClientCredentialsRenewer {
	return &ClientCredentialsRenewer{config: &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}}
}

func (r *ClientCredentialsRenewer) RenewSilently(ctx context.Context, cred *domain.Credential) (*oauth2.Token, error) {
	tok, err := r.config.Token(ctx)
	if err != nil {
		return nil, classifyGrantError("silent renewal", err)
	}
	return tok, nil
}

// classifyGrantError turns a token endpoint failure into a TransientError
// (retry later, credential untouched) or a terminal ErrGrantRejected /
// ErrInteractionRequired.
func classifyGrantError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			status := re.Response.StatusCode
			if status == http.StatusTooManyRequests || status >= 500 {
				return &domain.TransientError{Op: op, Err: err}
			}
		}
		switch re.ErrorCode {
		case "interaction_required", "consent_required", "login_required":
			return fmt.Errorf("%s: %w: %v", op, ErrInteractionRequired, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrGrantRejected, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientError{Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &domain.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrGrantRejected, err)
}

func isTransient(err error) bool {
	var te *domain.TransientError
	return errors.As(err, &te)
}

// expiry falls back to one hour when the endpoint omits expires_in.
func expiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now.Add(time.Hour)
	}
	return tok.Expiry
}
