package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/cron"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// schedulerStateID is the primary key of the singleton fencing record.
const schedulerStateID int64 = 1

// ScheduleTimer registers a one-shot enqueue at dueTime. An empty id gets a
// generated uuid; a duplicate id returns models.ErrDuplicateTimer.
func (s *Store) ScheduleTimer(ctx context.Context, id, topic string, payload []byte, dueTime time.Time) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	timer := &models.Timer{
		ID:        id,
		Topic:     topic,
		Payload:   payload,
		DueTime:   clock.ToUTC(dueTime),
		Status:    models.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(timer).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicateTimer
		}
		return "", fmt.Errorf("schedule timer: %w", err)
	}
	return id, nil
}

// CancelTimer removes a timer that has not fired yet. A timer already
// materialized (or unknown) returns models.ErrTimerNotFound.
func (s *Store) CancelTimer(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Delete(&models.Timer{})
	if res.Error != nil {
		return fmt.Errorf("cancel timer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrTimerNotFound
	}
	return nil
}

// GetTimer returns one timer by id.
func (s *Store) GetTimer(ctx context.Context, id string) (*models.Timer, error) {
	var timer models.Timer
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&timer).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrTimerNotFound)
	}
	return &timer, nil
}

// UpsertJobParams is the caller-facing shape of a job definition write.
type UpsertJobParams struct {
	JobName      string
	Topic        string
	CronSchedule string
	Payload      []byte
	IsEnabled    bool
}

// UpsertJob creates or replaces a recurring job by name. The schedule is
// validated and NextDueTime recomputed from now, so editing a schedule takes
// effect on the next pass.
func (s *Store) UpsertJob(ctx context.Context, p UpsertJobParams) (*models.JobDefinition, error) {
	if p.JobName == "" || p.Topic == "" {
		return nil, fmt.Errorf("job name and topic are required")
	}
	if err := cron.Validate(p.CronSchedule); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCron, err)
	}
	now := s.now()
	next, err := cron.Next(p.CronSchedule, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCron, err)
	}

	var job models.JobDefinition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("job_name = ?", p.JobName).First(&job).Error
		switch {
		case findErr == nil:
			return tx.Model(&models.JobDefinition{}).
				Where("id = ?", job.ID).
				Updates(map[string]any{
					"topic":         p.Topic,
					"cron_schedule": p.CronSchedule,
					"payload":       p.Payload,
					"is_enabled":    p.IsEnabled,
					"next_due_time": next,
					"updated_at":    now,
				}).Error
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			job = models.JobDefinition{
				ID:           uuid.NewString(),
				JobName:      p.JobName,
				Topic:        p.Topic,
				CronSchedule: p.CronSchedule,
				Payload:      p.Payload,
				IsEnabled:    p.IsEnabled,
				NextDueTime:  next,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			return tx.Create(&job).Error
		default:
			return findErr
		}
	})
	if err != nil {
		return nil, fmt.Errorf("upsert job: %w", err)
	}
	return s.GetJob(ctx, p.JobName)
}

// GetJob returns a job definition by name.
func (s *Store) GetJob(ctx context.Context, name string) (*models.JobDefinition, error) {
	var job models.JobDefinition
	if err := s.db.WithContext(ctx).Where("job_name = ?", name).First(&job).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrJobNotFound)
	}
	return &job, nil
}

// ListJobs returns all job definitions ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]*models.JobDefinition, error) {
	var jobs []*models.JobDefinition
	if err := s.db.WithContext(ctx).Order("job_name ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job definition and its not-yet-materialized runs.
// Runs already enqueued into the outbox are left to finish.
func (s *Store) DeleteJob(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.JobDefinition
		if err := tx.Where("job_name = ?", name).First(&job).Error; err != nil {
			return convertNotFoundError(err, models.ErrJobNotFound)
		}
		if err := tx.
			Where("job_id = ? AND status = ?", job.ID, models.StatusPending).
			Delete(&models.JobRun{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", job.ID).Delete(&models.JobDefinition{}).Error
	})
}

// TriggerJob materializes one run of the named job immediately, outside its
// schedule. Works on disabled jobs too; disabling only stops the cron.
func (s *Store) TriggerJob(ctx context.Context, name string) (string, error) {
	job, err := s.GetJob(ctx, name)
	if err != nil {
		return "", err
	}
	now := s.now()
	run := &models.JobRun{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		ScheduledTime: now,
		Status:        models.StatusPending,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return "", fmt.Errorf("trigger job: %w", err)
	}
	return run.ID, nil
}

// UpdateSchedulerState advances the persisted fencing token. Tokens only
// move up: presenting a token older than the stored one returns
// models.ErrStaleFencingToken and changes nothing.
func (s *Store) UpdateSchedulerState(ctx context.Context, token int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return advanceFencingToken(tx, token, s.now())
	})
}

// GetSchedulerState returns the singleton fencing record, zero-valued when
// no pass has run yet.
func (s *Store) GetSchedulerState(ctx context.Context) (*models.SchedulerState, error) {
	var state models.SchedulerState
	err := s.db.WithContext(ctx).Where("id = ?", schedulerStateID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SchedulerState{ID: schedulerStateID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduler state: %w", err)
	}
	return &state, nil
}

func advanceFencingToken(tx *gorm.DB, token int64, now time.Time) error {
	ins := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&models.SchedulerState{
		ID:                  schedulerStateID,
		CurrentFencingToken: token,
		LastRunAt:           now,
	})
	if ins.Error != nil {
		return ins.Error
	}
	if ins.RowsAffected > 0 {
		return nil
	}

	res := tx.Model(&models.SchedulerState{}).
		Where("id = ?", schedulerStateID).
		Where("current_fencing_token <= ?", token).
		Updates(map[string]any{
			"current_fencing_token": token,
			"last_run_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleFencingToken
	}
	return nil
}

// SchedulerPassResult reports what one pass materialized.
type SchedulerPassResult struct {
	RunsMaterialized int
	TimersEnqueued   int
	RunsEnqueued     int
}

// RunSchedulerPass executes one scheduler tick in a single transaction:
//
//  1. fence: advance the persisted token, rejecting a stale caller;
//  2. materialize a JobRun for each enabled job whose NextDueTime elapsed
//     and advance NextDueTime past now (missed occurrences collapse into
//     one run, never a backfill burst);
//  3. enqueue an outbox message for each due timer and mark it processed;
//  4. enqueue an outbox message for each due job run, carrying the
//     definition's topic and payload, and mark the run processed.
//
// Enqueues use deterministic message keys derived from the timer or run id,
// so a retried pass after a partial failure cannot double-publish.
func (s *Store) RunSchedulerPass(ctx context.Context, owner string, token int64, batch int) (*SchedulerPassResult, error) {
	now := s.now()
	result := &SchedulerPassResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := advanceFencingToken(tx, token, now); err != nil {
			return err
		}
		if err := s.materializeDueJobs(tx, now, batch, result); err != nil {
			return err
		}
		if err := s.enqueueDueTimers(tx, owner, now, batch, result); err != nil {
			return err
		}
		return s.enqueueDueRuns(tx, owner, now, batch, result)
	})
	if err != nil {
		if errors.Is(err, models.ErrStaleFencingToken) {
			return nil, err
		}
		return nil, fmt.Errorf("scheduler pass: %w", err)
	}
	return result, nil
}

func (s *Store) materializeDueJobs(tx *gorm.DB, now time.Time, batch int, result *SchedulerPassResult) error {
	q := tx.
		Where("is_enabled = ?", true).
		Where("next_due_time <= ?", now).
		Order("next_due_time ASC").
		Limit(batch)
	if s.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var due []*models.JobDefinition
	if err := q.Find(&due).Error; err != nil {
		return err
	}

	for _, job := range due {
		next, err := cron.Next(job.CronSchedule, now)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.JobName, err)
		}

		// Guard on the old NextDueTime so a concurrent pass that already
		// advanced this job skips the duplicate run.
		res := tx.Model(&models.JobDefinition{}).
			Where("id = ? AND next_due_time = ?", job.ID, job.NextDueTime).
			Updates(map[string]any{
				"next_due_time": next,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		// Missed occurrences collapse into one run scheduled at the pass
		// time, not back-dated to the occurrence that triggered it.
		run := &models.JobRun{
			ID:            uuid.NewString(),
			JobID:         job.ID,
			ScheduledTime: now,
			Status:        models.StatusPending,
			CreatedAt:     now,
		}
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		result.RunsMaterialized++
	}
	return nil
}

func (s *Store) enqueueDueTimers(tx *gorm.DB, owner string, now time.Time, batch int, result *SchedulerPassResult) error {
	q := tx.
		Where("status = ?", models.StatusPending).
		Where("due_time <= ?", now).
		Order("due_time ASC").
		Limit(batch)
	if s.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var due []*models.Timer
	if err := q.Find(&due).Error; err != nil {
		return err
	}

	for _, timer := range due {
		res := tx.Model(&models.Timer{}).
			Where("id = ? AND status = ?", timer.ID, models.StatusPending).
			Updates(map[string]any{
				"status":       models.StatusProcessed,
				"owner_token":  owner,
				"processed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		_, err := s.enqueueOutbox(tx, OutboxEnqueue{
			Topic:         timer.Topic,
			Payload:       timer.Payload,
			CorrelationID: timer.ID,
			MessageKey:    "timer:" + timer.ID,
		})
		if err != nil && !errors.Is(err, models.ErrDuplicateKey) {
			return err
		}
		result.TimersEnqueued++
	}
	return nil
}

func (s *Store) enqueueDueRuns(tx *gorm.DB, owner string, now time.Time, batch int, result *SchedulerPassResult) error {
	q := tx.
		Where("status = ?", models.StatusPending).
		Where("scheduled_time <= ?", now).
		Order("scheduled_time ASC").
		Limit(batch)
	if s.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var due []*models.JobRun
	if err := q.Find(&due).Error; err != nil {
		return err
	}

	for _, run := range due {
		var job models.JobDefinition
		if err := tx.Where("id = ?", run.JobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Definition deleted after the run materialized.
				if err := tx.Model(&models.JobRun{}).
					Where("id = ?", run.ID).
					Updates(map[string]any{
						"status":     models.StatusFailed,
						"last_error": "job definition no longer exists",
						"end_time":   now,
					}).Error; err != nil {
					return err
				}
				continue
			}
			return err
		}

		res := tx.Model(&models.JobRun{}).
			Where("id = ? AND status = ?", run.ID, models.StatusPending).
			Updates(map[string]any{
				"status":      models.StatusProcessed,
				"owner_token": owner,
				"start_time":  now,
				"end_time":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		_, err := s.enqueueOutbox(tx, OutboxEnqueue{
			Topic:         job.Topic,
			Payload:       job.Payload,
			CorrelationID: run.ID,
			MessageKey:    "jobrun:" + run.ID,
		})
		if err != nil && !errors.Is(err, models.ErrDuplicateKey) {
			return err
		}

		if err := tx.Model(&models.JobDefinition{}).
			Where("id = ?", job.ID).
			Updates(map[string]any{
				"last_run_time":   now,
				"last_run_status": string(models.StatusProcessed),
			}).Error; err != nil {
			return err
		}
		result.RunsEnqueued++
	}
	return nil
}

// NextEventTime returns the earliest upcoming scheduler event: the minimum
// over pending timer due times, pending run scheduled times, and enabled
// job next-due times. Nil when nothing is scheduled.
//
// Each table contributes its earliest row rather than a MIN() aggregate;
// the sqlite driver hands aggregates over datetime columns back as strings.
func (s *Store) NextEventTime(ctx context.Context) (*time.Time, error) {
	db := s.db.WithContext(ctx)

	var candidates []time.Time

	var timers []models.Timer
	err := db.Where("status = ?", models.StatusPending).
		Order("due_time ASC").Limit(1).Find(&timers).Error
	if err != nil {
		return nil, fmt.Errorf("next event time: %w", err)
	}
	for _, t := range timers {
		candidates = append(candidates, t.DueTime)
	}

	var runs []models.JobRun
	err = db.Where("status = ?", models.StatusPending).
		Order("scheduled_time ASC").Limit(1).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("next event time: %w", err)
	}
	for _, r := range runs {
		candidates = append(candidates, r.ScheduledTime)
	}

	var jobs []models.JobDefinition
	err = db.Where("is_enabled = ?", true).
		Order("next_due_time ASC").Limit(1).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("next event time: %w", err)
	}
	for _, j := range jobs {
		candidates = append(candidates, j.NextDueTime)
	}

	var earliest *time.Time
	for _, c := range candidates {
		v := clock.ToUTC(c)
		if earliest == nil || v.Before(*earliest) {
			earliest = &v
		}
	}
	return earliest, nil
}
