package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitsync/pkg/storage"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// GitHub installation tokens live for one hour.
	installationTokenTTL = 55 * time.Minute
	refreshMargin        = 5 * time.Minute
)

// Minter exchanges App credentials for an installation access token.
type Minter func(ctx context.Context, cfg ProviderConfig, installationID int64) (string, time.Time, error)

// Sealer encrypts cached tokens at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// IntegrationTokens hands out integration access tokens keyed by service and
// installation id, reusing cached tokens until they are close to expiry.
// Tokens are only cached when a Sealer is configured.
type IntegrationTokens struct {
	cfg    Config
	store  storage.InstallationStore
	sealer Sealer
	mint   Minter
	now    func() time.Time
	logger *slog.Logger
}

// IntegrationOption configures IntegrationTokens.
type IntegrationOption func(*IntegrationTokens)

// WithMinter replaces the GitHub App token exchange.
func WithMinter(m Minter) IntegrationOption {
	return func(t *IntegrationTokens) {
		if m != nil {
			t.mint = m
		}
	}
}

// WithSealer encrypts cached tokens with s.
func WithSealer(s Sealer) IntegrationOption {
	return func(t *IntegrationTokens) {
		t.sealer = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IntegrationOption {
	return func(t *IntegrationTokens) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) IntegrationOption {
	return func(t *IntegrationTokens) {
		if now != nil {
			t.now = now
		}
	}
}

// NewIntegrationTokens builds the provider. Caching is disabled when store or
// the sealer is nil.
func NewIntegrationTokens(cfg Config, store storage.InstallationStore, opts ...IntegrationOption) *IntegrationTokens {
	t := &IntegrationTokens{
		cfg:    cfg,
		store:  store,
		mint:   MintInstallationToken,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetToken returns an access token for the integration installed on an owner.
func (t *IntegrationTokens) GetToken(ctx context.Context, service string, integrationID int64) (string, error) {
	service = strings.ToLower(service)
	if service != "github" && service != "github_enterprise" {
		return "", goerr.New("integrations are not supported for service", goerr.V("service", service))
	}
	cfg, _ := t.cfg.ForService(service)
	key := strconv.FormatInt(integrationID, 10)

	if cached := t.cached(ctx, service, key); cached != "" {
		return cached, nil
	}

	token, expiresAt, err := t.mint(ctx, cfg, integrationID)
	if err != nil {
		return "", goerr.Wrap(err, "failed to mint installation token", goerr.V("service", service), goerr.V("integration_id", integrationID))
	}
	t.logger.Info("minted integration token", "service", service, "integration_id", integrationID)

	// The token is still good for this call when caching fails.
	if err := t.cache(ctx, service, key, token, expiresAt); err != nil {
		t.logger.Warn("failed to cache integration token", "integration_id", integrationID, "error", err)
	}
	return token, nil
}

func (t *IntegrationTokens) caching() bool {
	return t.store != nil && t.sealer != nil
}

// cached returns the stored token when it is still valid. Unreadable entries
// count as misses so a rotated key only costs a new mint.
func (t *IntegrationTokens) cached(ctx context.Context, service, key string) string {
	if !t.caching() {
		return ""
	}
	record, err := t.store.GetInstallation(ctx, service, key)
	if err != nil {
		t.logger.Warn("failed to read cached integration token", "integration_id", key, "error", err)
		return ""
	}
	if record == nil || !record.Valid(t.now(), refreshMargin) {
		return ""
	}
	token, err := t.sealer.Decrypt(record.AccessToken)
	if err != nil {
		t.logger.Warn("cached integration token is unreadable", "integration_id", key, "error", err)
		return ""
	}
	return token
}

func (t *IntegrationTokens) cache(ctx context.Context, service, key, token string, expiresAt time.Time) error {
	if !t.caching() {
		return nil
	}
	sealed, err := t.sealer.Encrypt(token)
	if err != nil {
		return err
	}
	expires := expiresAt.UTC()
	return t.store.UpsertInstallation(ctx, storage.InstallRecord{
		Provider:       service,
		InstallationID: key,
		AccessToken:    sealed,
		ExpiresAt:      &expires,
	})
}

// MintInstallationToken exchanges a GitHub App JWT for an installation token.
func MintInstallationToken(ctx context.Context, cfg ProviderConfig, installationID int64) (string, time.Time, error) {
	if cfg.AppID == 0 || cfg.PrivateKeyPath == "" {
		return "", time.Time{}, fmt.Errorf("github app_id and private_key_path are required")
	}
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, installationID, cfg.PrivateKeyPath)
	if err != nil {
		return "", time.Time{}, err
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		itr.BaseURL = base
	}
	token, err := itr.Token(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(installationTokenTTL), nil
}
