// Package auth verifies auth provider ID tokens.
package auth

import (
	"context"
	"fmt"

	"market_preloader/internal/app/port"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/auth"
	"google.golang.org/api/option"
)

// NewFirebaseApp initializes the Firebase Admin SDK. An empty credentials file
// falls back to application default credentials.
func NewFirebaseApp(ctx context.Context, projectID, credentialsFile string) (*firebase.App, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	return app, nil
}

// FirebaseVerifier turns Firebase ID tokens into user ids.
type FirebaseVerifier struct {
	client *auth.Client
}

var _ port.TokenVerifier = (*FirebaseVerifier)(nil)

// NewFirebaseVerifier creates a verifier from an initialized app.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*FirebaseVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (string, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}
	return token.UID, nil
}

// StaticVerifier accepts any non-empty token as the user id. It is meant for
// development setups without an auth provider.
type StaticVerifier struct{}

func (StaticVerifier) VerifyIDToken(_ context.Context, idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("empty id token")
	}
	return idToken, nil
}
