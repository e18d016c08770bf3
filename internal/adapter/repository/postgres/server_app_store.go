package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

// GitHubServerAppModel is the database DTO with Gorm tags.
type GitHubServerAppModel struct {
	ID       int64  `gorm:"primaryKey"`
	UUID     string `gorm:"type:varchar(36);uniqueIndex"`
	AppID    int64  `gorm:"column:app_id"`
	ClientID string `gorm:"type:varchar(255)"`

	GitHubBaseURL string `gorm:"column:github_base_url;type:text"`
	GitHubAPIURL  string `gorm:"column:github_api_url;type:text"`

	EncryptedClientSecret string `gorm:"type:text"`
	EncryptedPrivateKey   string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GitHubServerAppModel) TableName() string {
	return "github_server_apps"
}

type GitHubServerAppStore struct {
	db *gorm.DB
}

func NewGitHubServerAppStore(db *gorm.DB) *GitHubServerAppStore {
	return &GitHubServerAppStore{db: db}
}

func (s *GitHubServerAppStore) GetByID(ctx context.Context, id int64) (*subscription.GitHubServerApp, error) {
	var model GitHubServerAppModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return appToDomain(model), nil
}

func (s *GitHubServerAppStore) GetByUUID(ctx context.Context, uuid string) (*subscription.GitHubServerApp, error) {
	var model GitHubServerAppModel
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return appToDomain(model), nil
}

func (s *GitHubServerAppStore) Save(ctx context.Context, entity *subscription.GitHubServerApp) error {
	model := appToModel(entity)
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	entity.ID = model.ID
	return nil
}

// Mappers

func appToDomain(m GitHubServerAppModel) *subscription.GitHubServerApp {
	return &subscription.GitHubServerApp{
		ID:                    m.ID,
		UUID:                  m.UUID,
		AppID:                 m.AppID,
		ClientID:              m.ClientID,
		GitHubBaseURL:         m.GitHubBaseURL,
		GitHubAPIURL:          m.GitHubAPIURL,
		EncryptedClientSecret: m.EncryptedClientSecret,
		EncryptedPrivateKey:   m.EncryptedPrivateKey,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func appToModel(d *subscription.GitHubServerApp) GitHubServerAppModel {
	return GitHubServerAppModel{
		ID:                    d.ID,
		UUID:                  d.UUID,
		AppID:                 d.AppID,
		ClientID:              d.ClientID,
		GitHubBaseURL:         d.GitHubBaseURL,
		GitHubAPIURL:          d.GitHubAPIURL,
		EncryptedClientSecret: d.EncryptedClientSecret,
		EncryptedPrivateKey:   d.EncryptedPrivateKey,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}
