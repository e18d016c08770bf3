package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

// RepoSyncStateModel is the database DTO with Gorm tags.
type RepoSyncStateModel struct {
	ID             int64 `gorm:"primaryKey"`
	SubscriptionID int64 `gorm:"index:idx_repo_sync_states_sub_repo,unique"`

	RepoID        int64  `gorm:"column:repo_id;index:idx_repo_sync_states_sub_repo,unique"`
	RepoName      string `gorm:"type:varchar(255)"`
	RepoFullName  string `gorm:"type:varchar(512)"`
	RepoOwner     string `gorm:"type:varchar(255)"`
	RepoURL       string `gorm:"type:text"`
	RepoUpdatedAt *time.Time

	PullCursor       *string `gorm:"type:text"`
	PullStatus       *string `gorm:"type:varchar(50)"`
	BranchCursor     *string `gorm:"type:text"`
	BranchStatus     *string `gorm:"type:varchar(50)"`
	CommitCursor     *string `gorm:"type:text"`
	CommitStatus     *string `gorm:"type:varchar(50)"`
	BuildCursor      *string `gorm:"type:text"`
	BuildStatus      *string `gorm:"type:varchar(50)"`
	DeploymentCursor *string `gorm:"type:text"`
	DeploymentStatus *string `gorm:"type:varchar(50)"`

	FailedCode *string `gorm:"type:varchar(50)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RepoSyncStateModel) TableName() string {
	return "repo_sync_states"
}

type RepoSyncStore struct {
	db *gorm.DB
}

func NewRepoSyncStore(db *gorm.DB) *RepoSyncStore {
	return &RepoSyncStore{db: db}
}

func (s *RepoSyncStore) GetForRepo(ctx context.Context, subscriptionID, repoID int64) (*subscription.RepoSyncState, error) {
	var model RepoSyncStateModel
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND repo_id = ?", subscriptionID, repoID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return stateToDomain(model), nil
}

// UpsertMany inserts discovered repositories, refreshing the repository
// metadata of rows that already exist so re-discovery never duplicates or
// resets progress.
func (s *RepoSyncStore) UpsertMany(ctx context.Context, states []*subscription.RepoSyncState) error {
	if len(states) == 0 {
		return nil
	}
	models := make([]RepoSyncStateModel, 0, len(states))
	for _, state := range states {
		models = append(models, stateToModel(state))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}, {Name: "repo_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"repo_name", "repo_full_name", "repo_owner", "repo_url", "repo_updated_at", "updated_at",
		}),
	}).Create(&models).Error
}

func (s *RepoSyncStore) Save(ctx context.Context, state *subscription.RepoSyncState) error {
	model := stateToModel(state)
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	state.ID = model.ID
	return nil
}

func (s *RepoSyncStore) DeleteForSubscription(ctx context.Context, subscriptionID int64) error {
	return s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&RepoSyncStateModel{}).Error
}

func (s *RepoSyncStore) ResetTasks(ctx context.Context, subscriptionID int64, tasks []subscription.TaskType, clearCursors bool) error {
	if len(tasks) == 0 {
		return nil
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	for _, task := range tasks {
		prefix, err := taskColumnPrefix(task)
		if err != nil {
			return err
		}
		updates[prefix+"_status"] = nil
		if clearCursors {
			updates[prefix+"_cursor"] = nil
		}
	}
	return s.db.WithContext(ctx).Model(&RepoSyncStateModel{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(updates).Error
}

func (s *RepoSyncStore) ClearFailedCodes(ctx context.Context, subscriptionID int64) error {
	return s.db.WithContext(ctx).Model(&RepoSyncStateModel{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(map[string]any{
			"failed_code": nil,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *RepoSyncStore) NextPending(ctx context.Context, subscriptionID int64, tasks []subscription.TaskType) (*subscription.RepoSyncState, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	conditions := make([]string, 0, len(tasks))
	for _, task := range tasks {
		prefix, err := taskColumnPrefix(task)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf("COALESCE(%s_status, '') <> ?", prefix))
	}
	args := make([]any, len(conditions))
	for i := range args {
		args[i] = subscription.TaskStatusComplete
	}

	var model RepoSyncStateModel
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND failed_code IS NULL", subscriptionID).
		Where("("+strings.Join(conditions, " OR ")+")", args...).
		Order("id asc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return stateToDomain(model), nil
}

func (s *RepoSyncStore) SetTask(ctx context.Context, id int64, task subscription.TaskType, cursor, status *string) error {
	prefix, err := taskColumnPrefix(task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&RepoSyncStateModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			prefix + "_cursor": cursor,
			prefix + "_status": status,
			"updated_at":       time.Now().UTC(),
		}).Error
}

func (s *RepoSyncStore) SetFailedCode(ctx context.Context, id int64, code *string) error {
	return s.db.WithContext(ctx).Model(&RepoSyncStateModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failed_code": code,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *RepoSyncStore) CountSynced(ctx context.Context, subscriptionID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RepoSyncStateModel{}).
		Where("subscription_id = ?", subscriptionID).
		Where("COALESCE(pull_status,'') = ? AND COALESCE(branch_status,'') = ? AND COALESCE(commit_status,'') = ? AND COALESCE(build_status,'') = ? AND COALESCE(deployment_status,'') = ?",
			subscription.TaskStatusComplete, subscription.TaskStatusComplete, subscription.TaskStatusComplete,
			subscription.TaskStatusComplete, subscription.TaskStatusComplete).
		Count(&count).Error
	return count, err
}

// taskColumnPrefix maps a task type onto its column pair. Task types are
// internal constants; anything else is a programming error.
func taskColumnPrefix(task subscription.TaskType) (string, error) {
	switch task {
	case subscription.TaskTypePull, subscription.TaskTypeBranch, subscription.TaskTypeCommit,
		subscription.TaskTypeBuild, subscription.TaskTypeDeployment:
		return string(task), nil
	}
	return "", fmt.Errorf("no column for task type %q", task)
}

// Mappers

func stateToDomain(m RepoSyncStateModel) *subscription.RepoSyncState {
	return &subscription.RepoSyncState{
		ID:               m.ID,
		SubscriptionID:   m.SubscriptionID,
		RepoID:           m.RepoID,
		RepoName:         m.RepoName,
		RepoFullName:     m.RepoFullName,
		RepoOwner:        m.RepoOwner,
		RepoURL:          m.RepoURL,
		RepoUpdatedAt:    m.RepoUpdatedAt,
		PullCursor:       m.PullCursor,
		PullStatus:       m.PullStatus,
		BranchCursor:     m.BranchCursor,
		BranchStatus:     m.BranchStatus,
		CommitCursor:     m.CommitCursor,
		CommitStatus:     m.CommitStatus,
		BuildCursor:      m.BuildCursor,
		BuildStatus:      m.BuildStatus,
		DeploymentCursor: m.DeploymentCursor,
		DeploymentStatus: m.DeploymentStatus,
		FailedCode:       m.FailedCode,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func stateToModel(d *subscription.RepoSyncState) RepoSyncStateModel {
	return RepoSyncStateModel{
		ID:               d.ID,
		SubscriptionID:   d.SubscriptionID,
		RepoID:           d.RepoID,
		RepoName:         d.RepoName,
		RepoFullName:     d.RepoFullName,
		RepoOwner:        d.RepoOwner,
		RepoURL:          d.RepoURL,
		RepoUpdatedAt:    d.RepoUpdatedAt,
		PullCursor:       d.PullCursor,
		PullStatus:       d.PullStatus,
		BranchCursor:     d.BranchCursor,
		BranchStatus:     d.BranchStatus,
		CommitCursor:     d.CommitCursor,
		CommitStatus:     d.CommitStatus,
		BuildCursor:      d.BuildCursor,
		BuildStatus:      d.BuildStatus,
		DeploymentCursor: d.DeploymentCursor,
		DeploymentStatus: d.DeploymentStatus,
		FailedCode:       d.FailedCode,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}
