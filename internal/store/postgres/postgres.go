// Package postgres is the Store port's only implementation: hand-written
// SQL over jackc/pgx/v5, following the transaction/error-classification
// idiom of the teacher's infrastructure/persistence layer. There is no
// generated query layer here - sqlc's generated code was never part of the
// retrieval pack, so every statement is written directly against pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/store"
)

// Store is the postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an already-configured pool. Callers own pool's lifecycle up to
// calling Close, which is forwarded here.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// finalizeTx rolls back on any non-nil err (including panics re-raised by
// the caller) and otherwise commits, matching the teacher's
// commit-on-success/rollback-on-error idiom.
func finalizeTx(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "postgres store: rollback failed", "error", rbErr)
		}
		return
	}
	if cErr := tx.Commit(ctx); cErr != nil {
		*errp = fmt.Errorf("commit: %w", cErr)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func checkRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, domain.ErrNotFound)
	}
	return nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if isUniqueViolation(err) || isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func insertOutboxRows(ctx context.Context, tx pgx.Tx, events []store.OutboxEvent) error {
	for _, e := range events {
		_, err := tx.Exec(ctx,
			`INSERT INTO outbox (user_id, topic, envelope_json, created_at) VALUES ($1, $2, $3, now())`,
			e.UserID, e.Topic, e.Envelope)
		if err != nil {
			return fmt.Errorf("insert outbox row for event %s: %w", e.EventID, err)
		}
	}
	return nil
}

func taskColumns() string {
	return `id, user_id, title, description, completed, priority, tags, due_date, recurrence_id, created_at, updated_at`
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var priority string
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &priority, &t.Tags, &t.DueDate, &t.RecurrenceID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	return t, nil
}

// CommitTaskCreate implements store.Store.
func (s *Store) CommitTaskCreate(ctx context.Context, task domain.Task, rule *domain.RecurrenceRule, reminders []domain.Reminder, outboxEvents []store.OutboxEvent) (result domain.Task, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: begin tx: %v", domain.ErrUnavailable, err)
	}
	defer finalizeTx(ctx, tx, &err)

	row := tx.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, title, description, completed, priority, tags, due_date, recurrence_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+taskColumns(),
		task.ID, task.UserID, task.Title, task.Description, task.Completed, string(task.Priority), task.Tags, task.DueDate, task.RecurrenceID, task.CreatedAt, task.UpdatedAt)

	result, err = scanTask(row)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, err
	}

	if rule != nil {
		metadata, mErr := json.Marshal(rule.Metadata)
		if mErr != nil {
			err = fmt.Errorf("marshal recurrence metadata: %w", mErr)
			return domain.Task{}, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO recurrence_rules (id, task_id, user_id, pattern, interval, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rule.ID, rule.TaskID, rule.UserID, string(rule.Pattern), rule.Interval, metadata, rule.CreatedAt)
		if err != nil {
			err = classifyErr(err)
			return domain.Task{}, err
		}
	}

	for _, r := range reminders {
		_, err = tx.Exec(ctx, `
			INSERT INTO reminders (id, task_id, user_id, reminder_time, status, delivery_method, retry_count, created_at, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.TaskID, r.UserID, r.ReminderTime, string(r.Status), r.DeliveryMethod, r.RetryCount, r.CreatedAt, r.SentAt)
		if err != nil {
			err = classifyErr(err)
			return domain.Task{}, err
		}
	}

	if err = insertOutboxRows(ctx, tx, outboxEvents); err != nil {
		return domain.Task{}, err
	}

	return result, nil
}

// CommitTaskUpdate implements store.Store.
func (s *Store) CommitTaskUpdate(ctx context.Context, taskID, userID string, patch store.TaskPatch, outboxEvents []store.OutboxEvent) (oldTask, newTask domain.Task, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, domain.Task{}, fmt.Errorf("%w: begin tx: %v", domain.ErrUnavailable, err)
	}
	defer finalizeTx(ctx, tx, &err)

	oldRow := tx.QueryRow(ctx, `SELECT `+taskColumns()+` FROM tasks WHERE id = $1 AND user_id = $2 FOR UPDATE`, taskID, userID)
	oldTask, err = scanTask(oldRow)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, domain.Task{}, err
	}

	newTask = oldTask
	if patch.Title != nil {
		newTask.Title = *patch.Title
	}
	if patch.ClearDesc {
		newTask.Description = nil
	} else if patch.Description != nil {
		newTask.Description = patch.Description
	}
	if patch.Priority != nil {
		newTask.Priority = *patch.Priority
	}
	if patch.SetTags {
		newTask.Tags = patch.Tags
	}
	if patch.ClearDue {
		newTask.DueDate = nil
	} else if patch.DueDate != nil {
		newTask.DueDate = patch.DueDate
	}
	newTask.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET title=$1, description=$2, priority=$3, tags=$4, due_date=$5, updated_at=$6
		WHERE id=$7 AND user_id=$8`,
		newTask.Title, newTask.Description, string(newTask.Priority), newTask.Tags, newTask.DueDate, newTask.UpdatedAt, taskID, userID)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, domain.Task{}, err
	}
	if err = checkRowsAffected(tag, "task", taskID); err != nil {
		return domain.Task{}, domain.Task{}, err
	}

	if err = insertOutboxRows(ctx, tx, outboxEvents); err != nil {
		return domain.Task{}, domain.Task{}, err
	}

	return oldTask, newTask, nil
}

// CommitTaskComplete implements store.Store. It is idempotent: completing
// an already-completed task is a no-op that performs no write and skips
// outbox insertion, so the Mutation API can suppress event publish.
func (s *Store) CommitTaskComplete(ctx context.Context, taskID, userID string, outboxEvents []store.OutboxEvent) (oldTask, newTask domain.Task, noop bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, domain.Task{}, false, fmt.Errorf("%w: begin tx: %v", domain.ErrUnavailable, err)
	}
	defer finalizeTx(ctx, tx, &err)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns()+` FROM tasks WHERE id = $1 AND user_id = $2 FOR UPDATE`, taskID, userID)
	oldTask, err = scanTask(row)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, domain.Task{}, false, err
	}

	if oldTask.Completed {
		return oldTask, oldTask, true, nil
	}

	newTask = oldTask
	newTask.Completed = true
	newTask.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx, `UPDATE tasks SET completed=true, updated_at=$1 WHERE id=$2 AND user_id=$3`, newTask.UpdatedAt, taskID, userID)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, domain.Task{}, false, err
	}
	if err = checkRowsAffected(tag, "task", taskID); err != nil {
		return domain.Task{}, domain.Task{}, false, err
	}

	if err = insertOutboxRows(ctx, tx, outboxEvents); err != nil {
		return domain.Task{}, domain.Task{}, false, err
	}

	return oldTask, newTask, false, nil
}

// CommitTaskDelete implements store.Store. Deleting the template task of a
// recurrence chain cascades: its RecurrenceRule is deleted (ON DELETE
// CASCADE) and descendant tasks' recurrence_id is set null (ON DELETE SET
// NULL from recurrence_rules to tasks.recurrence_id), matching spec §3.
func (s *Store) CommitTaskDelete(ctx context.Context, taskID, userID string, outboxEvents []store.OutboxEvent) (snapshot domain.Task, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: begin tx: %v", domain.ErrUnavailable, err)
	}
	defer finalizeTx(ctx, tx, &err)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns()+` FROM tasks WHERE id = $1 AND user_id = $2 FOR UPDATE`, taskID, userID)
	snapshot, err = scanTask(row)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id=$1 AND user_id=$2`, taskID, userID)
	if err != nil {
		err = classifyErr(err)
		return domain.Task{}, err
	}
	if err = checkRowsAffected(tag, "task", taskID); err != nil {
		return domain.Task{}, err
	}

	if err = insertOutboxRows(ctx, tx, outboxEvents); err != nil {
		return domain.Task{}, err
	}

	return snapshot, nil
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns()+` FROM tasks WHERE id=$1 AND user_id=$2`, taskID, userID)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, classifyErr(err)
	}
	return t, nil
}

// ListTasks implements store.Store using a limit+1 has-more trick to avoid
// a second COUNT(*) query on the hot path, matching the teacher's
// ListTasks approach; TotalCount still runs a single aggregate query scoped
// by the same filters.
func (s *Store) ListTasks(ctx context.Context, userID string, params domain.ListTasksParams) (domain.PagedResult, error) {
	where := `WHERE user_id = $1`
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if params.Status != nil {
		where += ` AND completed = ` + arg(*params.Status)
	}
	if params.Priority != nil {
		where += ` AND priority = ` + arg(string(*params.Priority))
	}
	if params.Tag != nil {
		where += ` AND tags @> ARRAY[` + arg(*params.Tag) + `]::text[]`
	}
	if params.DueBefore != nil {
		where += ` AND due_date < ` + arg(*params.DueBefore)
	}
	if params.DueAfter != nil {
		where += ` AND due_date > ` + arg(*params.DueAfter)
	}

	orderBy := "created_at DESC"
	switch params.OrderBy {
	case "due_date":
		orderBy = "due_date ASC NULLS LAST"
	case "priority":
		orderBy = "priority DESC"
	case "updated_at":
		orderBy = "updated_at DESC"
	case "created_at", "":
		orderBy = "created_at DESC"
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return domain.PagedResult{}, classifyErr(err)
	}

	fetchArgs := append(append([]any{}, args...), limit+1, params.Offset)
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		taskColumns(), where, orderBy, len(fetchArgs)-1, len(fetchArgs))

	rows, err := s.pool.Query(ctx, query, fetchArgs...)
	if err != nil {
		return domain.PagedResult{}, classifyErr(err)
	}
	defer rows.Close()

	var items []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return domain.PagedResult{}, classifyErr(err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return domain.PagedResult{}, classifyErr(err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	return domain.PagedResult{Items: items, TotalCount: total, HasMore: hasMore}, nil
}

// GetRecurrenceRule implements store.Store.
func (s *Store) GetRecurrenceRule(ctx context.Context, ruleID, userID string) (domain.RecurrenceRule, error) {
	var r domain.RecurrenceRule
	var pattern string
	var metadata []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, user_id, pattern, interval, metadata, created_at
		FROM recurrence_rules WHERE id=$1 AND user_id=$2`, ruleID, userID,
	).Scan(&r.ID, &r.TaskID, &r.UserID, &pattern, &r.Interval, &metadata, &r.CreatedAt)
	if err != nil {
		return domain.RecurrenceRule{}, classifyErr(err)
	}
	r.Pattern = domain.RecurrencePattern(pattern)
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return domain.RecurrenceRule{}, fmt.Errorf("unmarshal recurrence metadata: %w", err)
	}
	return r, nil
}

// HasPendingSibling implements store.Store.
func (s *Store) HasPendingSibling(ctx context.Context, recurrenceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM tasks WHERE recurrence_id=$1 AND completed=false)`, recurrenceID,
	).Scan(&exists)
	if err != nil {
		return false, classifyErr(err)
	}
	return exists, nil
}

// GetReminder implements store.Store.
func (s *Store) GetReminder(ctx context.Context, reminderID string) (domain.Reminder, error) {
	var r domain.Reminder
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, user_id, reminder_time, status, delivery_method, retry_count, created_at, sent_at
		FROM reminders WHERE id=$1`, reminderID,
	).Scan(&r.ID, &r.TaskID, &r.UserID, &r.ReminderTime, &status, &r.DeliveryMethod, &r.RetryCount, &r.CreatedAt, &r.SentAt)
	if err != nil {
		return domain.Reminder{}, classifyErr(err)
	}
	r.Status = domain.ReminderStatus(status)
	return r, nil
}

// UpdateReminderState implements store.Store.
func (s *Store) UpdateReminderState(ctx context.Context, reminderID string, status domain.ReminderStatus, retryCount int, sentAt *time.Time, outboxEvents []store.OutboxEvent) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrUnavailable, err)
	}
	defer finalizeTx(ctx, tx, &err)

	tag, err := tx.Exec(ctx, `UPDATE reminders SET status=$1, retry_count=$2, sent_at=$3 WHERE id=$4`,
		string(status), retryCount, sentAt, reminderID)
	if err != nil {
		err = classifyErr(err)
		return err
	}
	if err = checkRowsAffected(tag, "reminder", reminderID); err != nil {
		return err
	}

	if err = insertOutboxRows(ctx, tx, outboxEvents); err != nil {
		return err
	}
	return nil
}

// InsertAuditEntry implements store.Store. A unique-violation on event_id
// is treated as success, matching spec §4.4's duplicate-delivery handling.
func (s *Store) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, event_id, event_type, user_id, task_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, eventID, entry.EventType, entry.UserID, entry.TaskID, entry.Details, entry.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

// claimStaleness bounds how long a claimed-but-undelivered row is left
// alone before another sweeper replica may reclaim it (crash recovery,
// mirroring the job scheduler's lease pattern at a coarser grain).
const claimStaleness = 30 * time.Second

// ClaimOutboxBatch implements store.Store. The claim and the SKIP LOCKED
// scan happen in one UPDATE ... RETURNING statement so no transaction needs
// to stay open across the subsequent publish attempt: concurrent sweeper
// replicas race on claimed_at rather than on a held row lock, and a replica
// that dies mid-publish is recovered once claimed_at goes stale. The
// RETURNING rows come back through an explicit outer ORDER BY rather than
// relying on the inner SELECT's order surviving the UPDATE - Postgres makes
// no such guarantee - since spec §9 requires the sweeper to drain in FIFO
// order per user_id.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) ([]store.OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE outbox SET claimed_at = now()
			WHERE id IN (
				SELECT id FROM outbox
				WHERE delivered_at IS NULL AND (claimed_at IS NULL OR claimed_at < now() - $2::interval)
				ORDER BY user_id, created_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, user_id, topic, envelope_json, created_at
		)
		SELECT id, user_id, topic, envelope_json, created_at
		FROM claimed
		ORDER BY user_id, created_at`, limit, claimStaleness)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []store.OutboxRow
	for rows.Next() {
		var r store.OutboxRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Topic, &r.EnvelopeJSON, &r.CreatedAt); err != nil {
			return nil, classifyErr(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkOutboxDelivered implements store.Store.
func (s *Store) MarkOutboxDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET delivered_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// MarkEventDelivered implements store.Store by matching the envelope's
// event_id inside envelope_json, so callers never need to thread the
// bigserial outbox row id back out of the Commit* calls.
func (s *Store) MarkEventDelivered(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET delivered_at = now()
		WHERE delivered_at IS NULL AND envelope_json->>'event_id' = $1`, eventID)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// OutboxDepth implements store.Store.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&n); err != nil {
		return 0, classifyErr(err)
	}
	return n, nil
}

// InsertRecurrenceException implements store.Store. A unique-violation on
// (recurrence_id, instance_date) is treated as success: the date is already
// excepted, which is the desired outcome.
func (s *Store) InsertRecurrenceException(ctx context.Context, ruleID string, instanceDate time.Time) error {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recurrence_exceptions (id, recurrence_id, instance_date, created_at)
		VALUES ($1, $2, $3, now())`,
		id, ruleID, instanceDate)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

// IsRecurrenceExceptionDate implements store.Store.
func (s *Store) IsRecurrenceExceptionDate(ctx context.Context, ruleID string, instanceDate time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM recurrence_exceptions WHERE recurrence_id=$1 AND instance_date=$2)`,
		ruleID, instanceDate,
	).Scan(&exists)
	if err != nil {
		return false, classifyErr(err)
	}
	return exists, nil
}
