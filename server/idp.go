package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrNonceMismatch reports an id_token minted for a different attempt.
var ErrNonceMismatch = errors.New("nonce mismatch")

// Identity is the signed-in user as described by a verified id_token.
type Identity struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Claims  map[string]any `json:"-"`
}

// IDTokenVerifier checks id_tokens returned by the code exchange against the
// provider key set and the nonce of the attempt that started the login.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// NewIDTokenVerifier builds a verifier without discovery. The key set is
// fetched lazily from jwksURL and cached by go-oidc.
func NewIDTokenVerifier(ctx context.Context, issuer, clientID, jwksURL string, httpClient *http.Client, logger *slog.Logger) *IDTokenVerifier {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
	})
	return &IDTokenVerifier{verifier: verifier, logger: logger}
}

// Verify validates rawIDToken and requires its nonce to equal expectedNonce.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken, expectedNonce string) (Identity, error) {
	if rawIDToken == "" {
		return Identity{}, errors.New("id_token missing in response")
	}
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id_token: %w", err)
	}
	if expectedNonce == "" || idToken.Nonce != expectedNonce {
		v.logger.Warn("id_token nonce mismatch", "sub", idToken.Subject)
		return Identity{}, ErrNonceMismatch
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("parse claims: %w", err)
	}

	user := Identity{Subject: idToken.Subject, Claims: claims}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		user.Name = preferred
	}
	return user, nil
}
