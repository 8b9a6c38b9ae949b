// Package widget provides the embeddable chat surface: embed code
// issuance (the widget credential), the WebSocket transport, and the
// widget script endpoint.
package widget

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// apiKeyBytes is the entropy of a minted widget API key.
const apiKeyBytes = 32

// Issuer mints, rotates, and deactivates embed codes.
type Issuer struct {
	store store.Store
}

// NewIssuer creates an embed code issuer.
func NewIssuer(s store.Store) *Issuer {
	return &Issuer{store: s}
}

// Mint creates an embed code with a fresh API key.
func (i *Issuer) Mint(ctx context.Context, workspaceID, userID, name string, cfg models.WidgetConfig, origins []string) (*models.EmbedCode, error) {
	if workspaceID == "" || userID == "" {
		return nil, fault.New(fault.Validation, "embed code requires workspace and user ids")
	}
	if name == "" {
		name = "Widget"
	}
	if cfg.Theme == "" {
		cfg.Theme = "light"
	}
	if len(cfg.WelcomeMessages) == 0 {
		cfg.WelcomeMessages = []string{"Hi! How can I help you today?"}
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = "Ask a question..."
	}

	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	code := &models.EmbedCode{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		UserID:         userID,
		Name:           name,
		APIKey:         key,
		Config:         cfg,
		AllowedOrigins: origins,
		Active:         true,
		CreatedAt:      time.Now(),
	}
	if err := i.store.CreateEmbedCode(ctx, code); err != nil {
		return nil, err
	}
	log.Info().Str("workspace", workspaceID).Str("embed", code.ID).Msg("Embed code minted")
	return code, nil
}

// Rotate replaces the API key. The old key stops authenticating as soon
// as the row is written.
func (i *Issuer) Rotate(ctx context.Context, workspaceID, embedID string) (*models.EmbedCode, error) {
	code, err := i.store.GetEmbedCode(ctx, workspaceID, embedID)
	if err != nil {
		return nil, err
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	code.APIKey = key
	if err := i.store.UpdateEmbedCode(ctx, code); err != nil {
		return nil, err
	}
	log.Info().Str("workspace", workspaceID).Str("embed", embedID).Msg("Embed code rotated")
	return code, nil
}

// Deactivate turns the embed code off. The transport refuses new
// connections immediately and drops existing ones on their next message.
func (i *Issuer) Deactivate(ctx context.Context, workspaceID, embedID string) error {
	code, err := i.store.GetEmbedCode(ctx, workspaceID, embedID)
	if err != nil {
		return err
	}
	code.Active = false
	if err := i.store.UpdateEmbedCode(ctx, code); err != nil {
		return err
	}
	log.Info().Str("workspace", workspaceID).Str("embed", embedID).Msg("Embed code deactivated")
	return nil
}

// Authenticate resolves an API key to its active embed code.
// Unknown and inactive keys both map to PermissionDenied.
func (i *Issuer) Authenticate(ctx context.Context, apiKey string) (*models.EmbedCode, error) {
	if apiKey == "" {
		return nil, fault.New(fault.PermissionDenied, "missing widget api key")
	}
	code, err := i.store.GetEmbedCodeByKey(ctx, apiKey)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, fault.New(fault.PermissionDenied, "unknown widget api key")
		}
		return nil, err
	}
	if !code.Active {
		return nil, fault.New(fault.PermissionDenied, "embed code deactivated")
	}
	return code, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fault.Wrap(err, fault.Internal, "generate api key")
	}
	return "ak_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
