package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

// SubscriptionModel is the database DTO with Gorm tags.
type SubscriptionModel struct {
	ID                   int64  `gorm:"primaryKey"`
	GitHubInstallationID int64  `gorm:"column:github_installation_id;index:idx_subscriptions_install_host,unique"`
	JiraHost             string `gorm:"type:varchar(255);index:idx_subscriptions_install_host,unique"`
	GitHubAppID          *int64 `gorm:"column:github_app_id"`

	SyncStatus          string `gorm:"type:varchar(50)"`
	SyncWarning         string `gorm:"type:text"`
	NumberOfSyncedRepos int
	TotalNumberOfRepos  *int

	RepositoryCursor *string `gorm:"type:text"`
	RepositoryStatus *string `gorm:"type:varchar(50)"`

	BackfillSince *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id int64) (*subscription.Subscription, error) {
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return subToDomain(model), nil
}

func (r *SubscriptionRepository) GetByInstallation(ctx context.Context, installationID int64, jiraHost string) (*subscription.Subscription, error) {
	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("github_installation_id = ? AND jira_host = ?", installationID, jiraHost).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return subToDomain(model), nil
}

func (r *SubscriptionRepository) MarkPending(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":            string(subscription.SyncStatusPending),
			"sync_warning":           "",
			"number_of_synced_repos": 0,
			"updated_at":             time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) SetSyncStatus(ctx context.Context, id int64, status subscription.SyncStatus, warning string) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":  string(status),
			"sync_warning": warning,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) SetBackfillSince(ctx context.Context, id int64, since *time.Time) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"backfill_since": since,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) SetTotalNumberOfRepos(ctx context.Context, id int64, total int) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_number_of_repos": total,
			"updated_at":            time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) IncrementSyncedRepos(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"number_of_synced_repos": gorm.Expr("number_of_synced_repos + 1"),
			"updated_at":             time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) SetRepositoryTask(ctx context.Context, id int64, cursor, status *string) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"repository_cursor": cursor,
			"repository_status": status,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) ClearRepositoryTask(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&SubscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"repository_cursor":     nil,
			"repository_status":     nil,
			"total_number_of_repos": nil,
			"updated_at":            time.Now().UTC(),
		}).Error
}

func (r *SubscriptionRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]*subscription.Subscription, error) {
	var models []SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("sync_status = ? AND updated_at < ?", string(subscription.SyncStatusPending), cutoff).
		Order("updated_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	items := make([]*subscription.Subscription, 0, len(models))
	for _, model := range models {
		items = append(items, subToDomain(model))
	}
	return items, nil
}

// Mappers

func subToDomain(m SubscriptionModel) *subscription.Subscription {
	return &subscription.Subscription{
		ID:                   m.ID,
		GitHubInstallationID: m.GitHubInstallationID,
		JiraHost:             m.JiraHost,
		GitHubAppID:          m.GitHubAppID,
		SyncStatus:           subscription.SyncStatus(m.SyncStatus),
		SyncWarning:          m.SyncWarning,
		NumberOfSyncedRepos:  m.NumberOfSyncedRepos,
		TotalNumberOfRepos:   m.TotalNumberOfRepos,
		RepositoryCursor:     m.RepositoryCursor,
		RepositoryStatus:     m.RepositoryStatus,
		BackfillSince:        m.BackfillSince,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func subToModel(d *subscription.Subscription) SubscriptionModel {
	return SubscriptionModel{
		ID:                   d.ID,
		GitHubInstallationID: d.GitHubInstallationID,
		JiraHost:             d.JiraHost,
		GitHubAppID:          d.GitHubAppID,
		SyncStatus:           string(d.SyncStatus),
		SyncWarning:          d.SyncWarning,
		NumberOfSyncedRepos:  d.NumberOfSyncedRepos,
		TotalNumberOfRepos:   d.TotalNumberOfRepos,
		RepositoryCursor:     d.RepositoryCursor,
		RepositoryStatus:     d.RepositoryStatus,
		BackfillSince:        d.BackfillSince,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

// Save inserts or updates a subscription and propagates the generated id.
func (r *SubscriptionRepository) Save(ctx context.Context, entity *subscription.Subscription) error {
	model := subToModel(entity)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	entity.ID = model.ID
	return nil
}
