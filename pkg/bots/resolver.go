// Package bots picks the stored credential used to call a provider on behalf
// of a repository or an owner.
package bots

import (
	"context"
	"log/slog"
	"strings"

	"gitsync/pkg/storage"

	"github.com/m-mizutani/goerr/v2"
)

// Source names the step of the precedence chain that supplied a credential.
type Source string

const (
	SourceIntegration Source = "integration"
	SourceRepoBot     Source = "repo_bot"
	SourceOwnerBot    Source = "owner_bot"
	SourceOwner       Source = "owner"
)

// Token is a decrypted provider credential. Secret is set only for providers
// that sign requests with a key pair.
type Token struct {
	Key    string
	Secret string
}

// LogValue keeps credentials out of log output.
func (t Token) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// OwnerLookup loads owners referenced by id. A missing row yields (nil, nil).
type OwnerLookup interface {
	GetOwner(ctx context.Context, ownerID int64) (*storage.Owner, error)
}

// TokenCipher decrypts stored owner tokens.
type TokenCipher interface {
	Decrypt(ciphertext string) (string, error)
}

// IntegrationTokenProvider returns access tokens for installed integrations.
type IntegrationTokenProvider interface {
	GetToken(ctx context.Context, service string, integrationID int64) (string, error)
}

// Resolver applies the credential precedence. It holds no state and never
// writes, so one instance may serve concurrent callers.
type Resolver struct {
	owners       OwnerLookup
	cipher       TokenCipher
	integrations IntegrationTokenProvider
	logger       *slog.Logger
	onSelect     func(Source)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSelectionHook registers a callback invoked with the source of every
// selected credential.
func WithSelectionHook(fn func(Source)) Option {
	return func(r *Resolver) {
		r.onSelect = fn
	}
}

// NewResolver builds a Resolver. integrations may be nil when no integration
// is configured; integration paths are then skipped.
func NewResolver(owners OwnerLookup, cipher TokenCipher, integrations IntegrationTokenProvider, opts ...Option) *Resolver {
	r := &Resolver{
		owners:       owners,
		cipher:       cipher,
		integrations: integrations,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// selection is a usable credential found by a strategy.
type selection struct {
	token Token
	msg   string
	attrs []any
}

// strategy returns nil when its candidate is absent or has no token.
type strategy struct {
	source  Source
	resolve func(ctx context.Context) (*selection, error)
}

// ResolveForRepository picks the credential for acting on repo: the owner's
// integration when the repository uses it, then the repository bot, the owner
// bot and finally the owner itself.
func (r *Resolver) ResolveForRepository(ctx context.Context, repo storage.Repository) (Token, error) {
	owner, err := r.owners.GetOwner(ctx, repo.OwnerID)
	if err != nil {
		return Token{}, goerr.Wrap(err, "failed to load repository owner", goerr.V("repoid", repo.RepoID), goerr.V("ownerid", repo.OwnerID))
	}
	if owner == nil {
		return Token{}, goerr.Wrap(storage.ErrOwnerNotFound, "repository owner is missing", goerr.V("repoid", repo.RepoID), goerr.V("ownerid", repo.OwnerID))
	}

	strategies := []strategy{
		r.integration(*owner, repo.UsingIntegration, "repoid", repo.RepoID),
		r.linkedBot(SourceRepoBot, repo.BotID, "using repository bot", "repoid", repo.RepoID),
		r.linkedBot(SourceOwnerBot, owner.BotID, "using repository owner bot", "repoid", repo.RepoID, "ownerid", owner.OwnerID),
		r.ownToken(*owner, "using repository owner token", "repoid", repo.RepoID),
	}
	token, ok, err := r.first(ctx, strategies)
	if err != nil {
		return Token{}, goerr.Wrap(err, "failed to resolve repository credential", goerr.V("repoid", repo.RepoID))
	}
	if !ok {
		r.logger.WarnContext(ctx, "repository has no valid bot", "repoid", repo.RepoID, "ownerid", owner.OwnerID)
		return Token{}, &RepositoryWithoutValidBotError{RepoID: repo.RepoID, OwnerID: owner.OwnerID}
	}
	return token, nil
}

// ResolveForOwner picks the credential for acting as owner: its integration
// when usingIntegration is set, then its bot, then its own token.
func (r *Resolver) ResolveForOwner(ctx context.Context, owner storage.Owner, usingIntegration bool) (Token, error) {
	strategies := []strategy{
		r.integration(owner, usingIntegration),
		r.linkedBot(SourceOwnerBot, owner.BotID, "using owner bot", "ownerid", owner.OwnerID),
		r.ownToken(owner, "using owner token"),
	}
	token, ok, err := r.first(ctx, strategies)
	if err != nil {
		return Token{}, goerr.Wrap(err, "failed to resolve owner credential", goerr.V("ownerid", owner.OwnerID))
	}
	if !ok {
		r.logger.WarnContext(ctx, "owner has no valid bot", "ownerid", owner.OwnerID)
		return Token{}, &OwnerWithoutValidBotError{OwnerID: owner.OwnerID}
	}
	return token, nil
}

// first runs strategies in order. A strategy that errors stops the chain so a
// present but unusable credential is never skipped silently.
func (r *Resolver) first(ctx context.Context, strategies []strategy) (Token, bool, error) {
	for _, s := range strategies {
		sel, err := s.resolve(ctx)
		if err != nil {
			return Token{}, false, goerr.Wrap(err, "credential step failed", goerr.V("source", string(s.source)))
		}
		if sel == nil {
			continue
		}
		r.logger.InfoContext(ctx, sel.msg, append([]any{"source", string(s.source)}, sel.attrs...)...)
		if r.onSelect != nil {
			r.onSelect(s.source)
		}
		return sel.token, true, nil
	}
	return Token{}, false, nil
}

func (r *Resolver) integration(owner storage.Owner, enabled bool, attrs ...any) strategy {
	return strategy{
		source: SourceIntegration,
		resolve: func(ctx context.Context) (*selection, error) {
			if !enabled || owner.IntegrationID == nil {
				return nil, nil
			}
			if r.integrations == nil {
				return nil, goerr.Wrap(ErrNoIntegrationProvider, "cannot use integration",
					goerr.V("ownerid", owner.OwnerID), goerr.V("integration_id", *owner.IntegrationID))
			}
			key, err := r.integrations.GetToken(ctx, owner.Service, *owner.IntegrationID)
			if err != nil {
				return nil, err
			}
			return &selection{
				token: Token{Key: key},
				msg:   "using integration",
				attrs: append([]any{"ownerid", owner.OwnerID, "integration_id", *owner.IntegrationID}, attrs...),
			}, nil
		},
	}
}

func (r *Resolver) linkedBot(source Source, botID *int64, msg string, attrs ...any) strategy {
	return strategy{
		source: source,
		resolve: func(ctx context.Context) (*selection, error) {
			if botID == nil {
				return nil, nil
			}
			bot, err := r.owners.GetOwner(ctx, *botID)
			if err != nil {
				return nil, err
			}
			if bot == nil {
				r.logger.DebugContext(ctx, "bot owner no longer exists", "botid", *botID)
				return nil, nil
			}
			if !bot.HasToken() {
				return nil, nil
			}
			token, err := r.decrypt(*bot.OAuthToken)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to decrypt bot token", goerr.V("botid", bot.OwnerID))
			}
			return &selection{token: token, msg: msg, attrs: append([]any{"botid", bot.OwnerID}, attrs...)}, nil
		},
	}
}

func (r *Resolver) ownToken(owner storage.Owner, msg string, attrs ...any) strategy {
	return strategy{
		source: SourceOwner,
		resolve: func(ctx context.Context) (*selection, error) {
			if !owner.HasToken() {
				return nil, nil
			}
			token, err := r.decrypt(*owner.OAuthToken)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to decrypt owner token", goerr.V("ownerid", owner.OwnerID))
			}
			return &selection{token: token, msg: msg, attrs: append([]any{"ownerid", owner.OwnerID}, attrs...)}, nil
		},
	}
}

func (r *Resolver) decrypt(ciphertext string) (Token, error) {
	plain, err := r.cipher.Decrypt(ciphertext)
	if err != nil {
		return Token{}, err
	}
	return ParseToken(plain), nil
}

// ParseToken splits a stored "key:secret" pair. Values without a separator are
// bearer tokens.
func ParseToken(plain string) Token {
	key, secret, found := strings.Cut(plain, ":")
	if !found {
		return Token{Key: plain}
	}
	return Token{Key: key, Secret: secret}
}
