// Package clients builds the per-installation GitHub clients the queue
// handlers work with, resolving whether an installation belongs to the cloud
// app or a stored GitHub Enterprise Server app.
package clients

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/cryptoutils"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
)

// Provider hands out installation-scoped GitHub clients. Cloud installs use
// the app configured from the environment; enterprise installs load their
// app record from storage and decrypt its key on first use.
type Provider struct {
	cfg    *config.Config
	appCfg githubapp.Config
	apps   subscription.GitHubServerAppStore
	tokens *githubapp.Cache
	log    *zap.Logger

	mu    sync.Mutex
	auths map[string]*githubapp.AppAuth
}

func NewProvider(cfg *config.Config, appCfg githubapp.Config, apps subscription.GitHubServerAppStore, log *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		appCfg: appCfg,
		apps:   apps,
		tokens: githubapp.NewCache(appCfg.TokenCacheSize, appCfg.TokenCacheTTL),
		log:    log.Named("clients"),
		auths:  make(map[string]*githubapp.AppAuth),
	}
}

// ClientFor builds an installation client for the app a payload points at.
func (p *Provider) ClientFor(ctx context.Context, base queue.BasePayload) (*githubapp.InstallationClient, error) {
	if base.GitHubAppConfig == nil || base.GitHubAppConfig.GitHubAppID == nil {
		auth, err := p.cloudAuth()
		if err != nil {
			return nil, err
		}
		app := githubapp.AppConfig{
			AppID:         p.cfg.GitHubAppID,
			ClientID:      p.cfg.GitHubClientID,
			GitHubBaseURL: p.cfg.GitHubBaseURL,
			GitHubAPIURL:  p.cfg.GitHubAPIURL,
		}
		return githubapp.NewInstallationClient(base.InstallationID, app, auth, p.appCfg, p.tokens, p.log), nil
	}

	record, err := p.apps.GetByID(ctx, *base.GitHubAppConfig.GitHubAppID)
	if err != nil {
		return nil, fmt.Errorf("load github server app %d: %w", *base.GitHubAppConfig.GitHubAppID, err)
	}
	auth, err := p.serverAuth(record)
	if err != nil {
		return nil, err
	}
	app := githubapp.AppConfig{
		GitHubAppID:   &record.ID,
		AppID:         record.AppID,
		ClientID:      record.ClientID,
		GitHubBaseURL: record.GitHubBaseURL,
		GitHubAPIURL:  record.GitHubAPIURL,
		UUID:          record.UUID,
	}
	return githubapp.NewInstallationClient(base.InstallationID, app, auth, p.appCfg, p.tokens, p.log), nil
}

func (p *Provider) cloudAuth() (*githubapp.AppAuth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if auth, ok := p.auths["cloud"]; ok {
		return auth, nil
	}
	auth, err := githubapp.NewAppAuth(p.cfg.GitHubAppID, p.cfg.GitHubPrivateKey, p.cfg.GitHubPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("cloud app auth: %w", err)
	}
	p.auths["cloud"] = auth
	return auth, nil
}

func (p *Provider) serverAuth(app *subscription.GitHubServerApp) (*githubapp.AppAuth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if auth, ok := p.auths[app.UUID]; ok {
		return auth, nil
	}
	key, err := cryptoutils.Decrypt(app.EncryptedPrivateKey, p.cfg.StorageSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key for app %s: %w", app.UUID, err)
	}
	auth, err := githubapp.NewAppAuth(app.AppID, key, "")
	if err != nil {
		return nil, fmt.Errorf("server app auth: %w", err)
	}
	p.auths[app.UUID] = auth
	return auth, nil
}

// GetRateLimit implements the queue's rate limit source on top of whichever
// client serves the payload's installation.
func (p *Provider) GetRateLimit(ctx context.Context, base queue.BasePayload) (*githubapp.RateLimits, error) {
	client, err := p.ClientFor(ctx, base)
	if err != nil {
		return nil, err
	}
	return client.GetRateLimit(ctx)
}
