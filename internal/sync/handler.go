package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/jira"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
)

// GitHubClients resolves the GitHub client serving a payload's installation.
type GitHubClients interface {
	ClientFor(ctx context.Context, base queue.BasePayload) (*githubapp.InstallationClient, error)
}

// JiraClients resolves the Jira client for a site.
type JiraClients interface {
	ClientFor(jiraHost string) (*jira.Client, error)
}

// Handler drives one backfill step per queue message: discovery first, then
// one page of one task on one repository, then a continuation message. The
// backfill survives crashes because every step is persisted before the
// continuation is sent.
type Handler struct {
	cfg        *config.Config
	subs       subscription.Repository
	states     subscription.RepoSyncStore
	github     GitHubClients
	jira       JiraClients
	queue      BackfillEnqueuer
	metrics    *metrics.Metrics
	processors map[subscription.TaskType]RepoTaskProcessor
	clock      func() time.Time
}

func NewHandler(
	cfg *config.Config,
	subs subscription.Repository,
	states subscription.RepoSyncStore,
	github GitHubClients,
	jiraClients JiraClients,
	q BackfillEnqueuer,
	m *metrics.Metrics,
	processors []RepoTaskProcessor,
) *Handler {
	byType := make(map[subscription.TaskType]RepoTaskProcessor, len(processors))
	for _, p := range processors {
		byType[p.Type()] = p
	}
	return &Handler{
		cfg:        cfg,
		subs:       subs,
		states:     states,
		github:     github,
		jira:       jiraClients,
		queue:      q,
		metrics:    m,
		processors: byType,
		clock:      time.Now,
	}
}

// Handle processes one backfill message.
func (h *Handler) Handle(ctx context.Context, delivery *queue.DeliveryContext[queue.BackfillPayload]) error {
	payload := delivery.Payload
	base := payload.Base()

	sub, err := h.subs.GetByInstallation(ctx, base.InstallationID, base.JiraHost)
	if errors.Is(err, subscription.ErrNotFound) {
		delivery.Log.Warn("no subscription for backfill message, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	githubClient, err := h.github.ClientFor(ctx, base)
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}
	jiraClient, err := h.jira.ClientFor(base.JiraHost)
	if err != nil {
		return fmt.Errorf("jira client: %w", err)
	}
	env := &TaskEnv{
		GitHub:   githubClient,
		Jira:     jiraClient,
		Payload:  payload,
		PageSize: h.cfg.BackfillPageSize,
		Log:      delivery.Log,
	}

	targets := targetTaskSet(payload.TargetTasks)

	if targets[subscription.TaskTypeRepository] && !discoveryComplete(sub) {
		return h.stepDiscovery(ctx, env, sub, delivery)
	}

	return h.stepRepoTask(ctx, env, sub, targets, delivery)
}

func (h *Handler) stepDiscovery(ctx context.Context, env *TaskEnv, sub *subscription.Subscription, delivery *queue.DeliveryContext[queue.BackfillPayload]) error {
	page, err := h.processDiscoveryPage(ctx, env, sub)
	if err != nil {
		return h.taskFailed(ctx, env, sub, subscription.TaskTypeRepository, nil, delivery, err)
	}

	var status *string
	if !page.HasMore {
		s := subscription.TaskStatusComplete
		status = &s
		h.metrics.TaskComplete.WithLabelValues(string(subscription.TaskTypeRepository)).Inc()
	}
	if err := h.subs.SetRepositoryTask(ctx, sub.ID, page.NextCursor, status); err != nil {
		return fmt.Errorf("save discovery progress: %w", err)
	}
	return h.enqueueContinuation(ctx, env.Payload)
}

func (h *Handler) stepRepoTask(
	ctx context.Context,
	env *TaskEnv,
	sub *subscription.Subscription,
	targets map[subscription.TaskType]bool,
	delivery *queue.DeliveryContext[queue.BackfillPayload],
) error {
	considered := consideredTasks(targets)

	state, err := h.nextRepo(ctx, env.Payload, sub, considered)
	if err != nil {
		return err
	}
	if state == nil {
		return h.completeSync(ctx, env, sub)
	}

	task := nextTask(state, considered)
	processor, ok := h.processors[task]
	if !ok {
		// No upstream source wired for this entity type; completing the
		// task keeps the scheduler moving.
		return h.finishTask(ctx, env, sub, state, task, state.CursorFor(task))
	}

	page, err := processor.ProcessPage(ctx, env, state, state.CursorFor(task))
	if err != nil {
		return h.taskFailed(ctx, env, sub, task, state, delivery, err)
	}

	if page.HasMore {
		if err := h.states.SetTask(ctx, state.ID, task, page.NextCursor, nil); err != nil {
			return fmt.Errorf("save task progress: %w", err)
		}
		return h.enqueueContinuation(ctx, env.Payload)
	}
	return h.finishTask(ctx, env, sub, state, task, page.NextCursor)
}

// finishTask marks one task complete, bumps the synced-repo counter when it
// was the repository's last one, and schedules the next step.
func (h *Handler) finishTask(
	ctx context.Context,
	env *TaskEnv,
	sub *subscription.Subscription,
	state *subscription.RepoSyncState,
	task subscription.TaskType,
	cursor *string,
) error {
	status := subscription.TaskStatusComplete
	if err := h.states.SetTask(ctx, state.ID, task, cursor, &status); err != nil {
		return fmt.Errorf("save task completion: %w", err)
	}
	h.metrics.TaskComplete.WithLabelValues(string(task)).Inc()

	if lastIncompleteTask(state, task) {
		if err := h.subs.IncrementSyncedRepos(ctx, sub.ID); err != nil {
			return fmt.Errorf("bump synced repos: %w", err)
		}
	}
	return h.enqueueContinuation(ctx, env.Payload)
}

func (h *Handler) completeSync(ctx context.Context, env *TaskEnv, sub *subscription.Subscription) error {
	if err := h.subs.SetSyncStatus(ctx, sub.ID, subscription.SyncStatusComplete, ""); err != nil {
		return fmt.Errorf("mark sync complete: %w", err)
	}
	h.metrics.SyncComplete.WithLabelValues(env.Payload.SyncType).Inc()

	fields := []zap.Field{zap.Int64("subscriptionId", sub.ID)}
	if started, err := time.Parse(time.RFC3339, env.Payload.StartTime); err == nil {
		fields = append(fields, zap.Duration("duration", h.clock().Sub(started)))
	}
	env.Log.Info("backfill complete", fields...)
	return nil
}

// taskFailed records a permanent failure on the final attempt and rethrows
// the cause so the queue's error pipeline decides the retry.
func (h *Handler) taskFailed(
	ctx context.Context,
	env *TaskEnv,
	sub *subscription.Subscription,
	task subscription.TaskType,
	state *subscription.RepoSyncState,
	delivery *queue.DeliveryContext[queue.BackfillPayload],
	cause error,
) error {
	if delivery.LastAttempt {
		code := failedCode(cause)
		if state != nil {
			if err := h.states.SetFailedCode(ctx, state.ID, &code); err != nil {
				env.Log.Error("failed code not saved", zap.Error(err))
			}
		}
		warning := fmt.Sprintf("%s task failed: %s", task, code)
		if err := h.subs.SetSyncStatus(ctx, sub.ID, subscription.SyncStatusFailed, warning); err != nil {
			env.Log.Error("sync failure not saved", zap.Error(err))
		}
		h.metrics.TaskFailed.WithLabelValues(string(task)).Inc()
		h.metrics.SyncFailed.WithLabelValues(env.Payload.SyncType).Inc()
	}
	return cause
}

// nextRepo selects the repository to work on, honoring a targeted repo when
// the payload names one.
func (h *Handler) nextRepo(ctx context.Context, payload queue.BackfillPayload, sub *subscription.Subscription, considered []subscription.TaskType) (*subscription.RepoSyncState, error) {
	if payload.TargetRepoID == nil {
		state, err := h.states.NextPending(ctx, sub.ID, considered)
		if err != nil {
			return nil, fmt.Errorf("next pending repo: %w", err)
		}
		return state, nil
	}

	state, err := h.states.GetForRepo(ctx, sub.ID, *payload.TargetRepoID)
	if errors.Is(err, subscription.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("targeted repo state: %w", err)
	}
	if state.FailedCode != nil || nextTask(state, considered) == "" {
		return nil, nil
	}
	return state, nil
}

func (h *Handler) enqueueContinuation(ctx context.Context, payload queue.BackfillPayload) error {
	if _, err := h.queue.SendMessage(ctx, payload, 0); err != nil {
		return fmt.Errorf("enqueue continuation: %w", err)
	}
	return nil
}

func discoveryComplete(sub *subscription.Subscription) bool {
	return sub.RepositoryStatus != nil && *sub.RepositoryStatus == subscription.TaskStatusComplete
}

// targetTaskSet expands an empty target list to every task.
func targetTaskSet(names []string) map[subscription.TaskType]bool {
	targets := make(map[subscription.TaskType]bool)
	if len(names) == 0 {
		targets[subscription.TaskTypeRepository] = true
		for _, t := range subscription.RepoTaskTypes {
			targets[t] = true
		}
		return targets
	}
	for _, name := range names {
		targets[subscription.TaskType(name)] = true
	}
	return targets
}

// consideredTasks filters the canonical task order down to the targeted set.
func consideredTasks(targets map[subscription.TaskType]bool) []subscription.TaskType {
	var tasks []subscription.TaskType
	for _, t := range subscription.RepoTaskTypes {
		if targets[t] {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// nextTask returns the first unfinished considered task, or "" when the
// repository is done.
func nextTask(state *subscription.RepoSyncState, considered []subscription.TaskType) subscription.TaskType {
	for _, task := range considered {
		if !state.TaskComplete(task) {
			return task
		}
	}
	return ""
}

// lastIncompleteTask reports whether task is the only thing keeping the
// repository from being fully synced.
func lastIncompleteTask(state *subscription.RepoSyncState, task subscription.TaskType) bool {
	for _, t := range subscription.RepoTaskTypes {
		if t == task {
			continue
		}
		if !state.TaskComplete(t) {
			return false
		}
	}
	return true
}

// failedCode compresses an error into the short per-repository marker.
func failedCode(cause error) string {
	var ghErr *githubapp.ClientError
	if errors.As(cause, &ghErr) {
		return "github_" + strconv.Itoa(ghErr.Status)
	}
	var jiraErr *jira.ClientError
	if errors.As(cause, &jiraErr) {
		return "jira_" + strconv.Itoa(jiraErr.Status)
	}
	if errors.Is(cause, queue.ErrTimeout) {
		return "timeout"
	}
	return "unknown"
}
