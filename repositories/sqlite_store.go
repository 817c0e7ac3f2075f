package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTime is fixed width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	created_by TEXT NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS columns (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL REFERENCES boards(id),
	title TEXT NOT NULL,
	ord INTEGER NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_columns_board_ord ON columns(board_id, ord);

CREATE TABLE IF NOT EXISTS memberships (
	board_id TEXT NOT NULL REFERENCES boards(id),
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('admin', 'member')),
	invited_by TEXT,
	joined_at TEXT NOT NULL,
	PRIMARY KEY (board_id, user_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL REFERENCES boards(id),
	column_id TEXT NOT NULL REFERENCES columns(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	assigned_to TEXT,
	due_date TEXT,
	priority TEXT NOT NULL DEFAULT 'medium',
	labels TEXT NOT NULL DEFAULT '[]',
	ord INTEGER NOT NULL,
	created_by TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_column_ord ON tasks(column_id, ord);
CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id);
`

const taskColumns = `id, board_id, column_id, title, description, assigned_to, due_date, priority, labels, ord, created_by, updated_by, created_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the embedded backend. Every transaction starts with
// BEGIN IMMEDIATE, so writers are serialized by the database lock and a
// writer that cannot get the lock within the busy timeout gets a Conflict.
type SQLiteStore struct {
	db *sql.DB
	sqliteOps
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	logging.Logger.Infof("Event ID: DB_CONNECTED, Description: SQLite store ready at %s", path)
	return &SQLiteStore{db: db, sqliteOps: sqliteOps{q: db}}, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(ctx, &sqliteOps{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Logger.Warnf("Event ID: TX_ROLLBACK_FAILED, Description: rollback after %v failed: %v", err, rbErr)
		}
		return classifySQLite(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classifySQLite maps lock contention to Conflict and leaves already
// classified errors alone.
func classifySQLite(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperrors.Wrap(apperrors.Conflict, "column is being modified concurrently, retry", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.Conflict, "timed out waiting for column lock, retry", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Wrap(apperrors.Internal, "storage failure", err)
}

// sqliteOps implements Reader and Tx over either the pool or a transaction.
type sqliteOps struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func nullableID(id *primitive.ObjectID) any {
	if id == nil {
		return nil
	}
	return id.Hex()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                                   models.Task
		id, board, column, createdBy, updBy string
		assigned, due                       sql.NullString
		labels, createdAt, updatedAt        string
		priority                            string
	)
	err := row.Scan(&id, &board, &column, &t.Title, &t.Description, &assigned, &due, &priority, &labels,
		&t.Order, &createdBy, &updBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ids := []struct {
		src string
		dst *primitive.ObjectID
	}{{id, &t.ID}, {board, &t.BoardID}, {column, &t.ColumnID}, {createdBy, &t.CreatedBy}, {updBy, &t.UpdatedBy}}
	for _, v := range ids {
		oid, err := primitive.ObjectIDFromHex(v.src)
		if err != nil {
			return nil, fmt.Errorf("decode task id field %q: %w", v.src, err)
		}
		*v.dst = oid
	}
	if assigned.Valid {
		oid, err := primitive.ObjectIDFromHex(assigned.String)
		if err != nil {
			return nil, fmt.Errorf("decode assignee: %w", err)
		}
		t.AssignedTo = &oid
	}
	if due.Valid {
		d, err := parseTime(due.String)
		if err != nil {
			return nil, fmt.Errorf("decode due date: %w", err)
		}
		t.DueDate = &d
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	t.Priority = models.Priority(priority)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (o *sqliteOps) GetTask(ctx context.Context, taskID primitive.ObjectID) (*models.Task, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID.Hex())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (o *sqliteOps) GetBoard(ctx context.Context, boardID primitive.ObjectID) (*models.Board, error) {
	var (
		b                               models.Board
		createdBy, createdAt, updatedAt string
		deleted                         int
	)
	err := o.q.QueryRowContext(ctx,
		`SELECT title, created_by, is_deleted, created_at, updated_at FROM boards WHERE id = ?`, boardID.Hex()).
		Scan(&b.Title, &createdBy, &deleted, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("board not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	b.ID = boardID
	b.IsDeleted = deleted != 0
	if b.CreatedBy, err = primitive.ObjectIDFromHex(createdBy); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (o *sqliteOps) GetMembership(ctx context.Context, boardID, userID primitive.ObjectID) (*models.Membership, error) {
	var (
		role, joinedAt string
		invitedBy      sql.NullString
	)
	err := o.q.QueryRowContext(ctx,
		`SELECT role, invited_by, joined_at FROM memberships WHERE board_id = ? AND user_id = ?`,
		boardID.Hex(), userID.Hex()).Scan(&role, &invitedBy, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("membership not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	m := &models.Membership{BoardID: boardID, UserID: userID}
	if m.Role, err = models.ParseRole(role); err != nil {
		return nil, err
	}
	if invitedBy.Valid {
		oid, err := primitive.ObjectIDFromHex(invitedBy.String)
		if err != nil {
			return nil, err
		}
		m.InvitedBy = &oid
	}
	if m.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (o *sqliteOps) ListColumns(ctx context.Context, boardID primitive.ObjectID) ([]models.Column, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, title, ord, revision, created_at, updated_at FROM columns WHERE board_id = ? ORDER BY ord`, boardID.Hex())
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			c                        models.Column
			id, createdAt, updatedAt string
		)
		if err := rows.Scan(&id, &c.Title, &c.Order, &c.Revision, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if c.ID, err = primitive.ObjectIDFromHex(id); err != nil {
			return nil, err
		}
		c.BoardID = boardID
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func (o *sqliteOps) ListTasks(ctx context.Context, boardID primitive.ObjectID, filter models.TaskFilter, page models.PageRequest) ([]models.Task, int64, error) {
	where := []string{"board_id = ?"}
	args := []any{boardID.Hex()}
	if filter.ColumnID != nil {
		where = append(where, "column_id = ?")
		args = append(args, filter.ColumnID.Hex())
	}
	if filter.AssignedTo != nil {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo.Hex())
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q)+"%")
	}
	if filter.DueFrom != nil {
		where = append(where, "due_date >= ?")
		args = append(args, formatTime(*filter.DueFrom))
	}
	if filter.DueTo != nil {
		where = append(where, "due_date <= ?")
		args = append(args, formatTime(*filter.DueTo))
	}
	clause := strings.Join(where, " AND ")

	var total int64
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	page = page.Normalize()
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+clause+` ORDER BY column_id, ord, id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (o *sqliteOps) GetColumn(ctx context.Context, boardID, columnID primitive.ObjectID) (*models.Column, error) {
	var (
		c                    models.Column
		createdAt, updatedAt string
	)
	err := o.q.QueryRowContext(ctx,
		`SELECT title, ord, revision, created_at, updated_at FROM columns WHERE id = ? AND board_id = ?`,
		columnID.Hex(), boardID.Hex()).Scan(&c.Title, &c.Order, &c.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("column not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get column: %w", err)
	}
	c.ID, c.BoardID = columnID, boardID
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (o *sqliteOps) LockColumn(ctx context.Context, columnID primitive.ObjectID) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE columns SET revision = revision + 1, updated_at = ? WHERE id = ?`, formatTime(time.Now()), columnID.Hex())
	if err != nil {
		return fmt.Errorf("lock column: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFoundf("column not found")
	}
	return nil
}

func (o *sqliteOps) ColumnTasks(ctx context.Context, columnID primitive.ObjectID) ([]models.Task, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE column_id = ? ORDER BY ord, id`, columnID.Hex())
	if err != nil {
		return nil, fmt.Errorf("load column tasks: %w", err)
	}
	return collectTasks(rows)
}

func (o *sqliteOps) MaxOrder(ctx context.Context, columnID primitive.ObjectID) (int, error) {
	var highest sql.NullInt64
	if err := o.q.QueryRowContext(ctx, `SELECT MAX(ord) FROM tasks WHERE column_id = ?`, columnID.Hex()).Scan(&highest); err != nil {
		return 0, fmt.Errorf("max order: %w", err)
	}
	if !highest.Valid {
		return -1, nil
	}
	return int(highest.Int64), nil
}

func (o *sqliteOps) InsertTask(ctx context.Context, t *models.Task) error {
	labels, err := json.Marshal(nonNilLabels(t.Labels))
	if err != nil {
		return err
	}
	_, err = o.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.Hex(), t.BoardID.Hex(), t.ColumnID.Hex(), t.Title, t.Description, nullableID(t.AssignedTo),
		nullableTime(t.DueDate), string(t.Priority), string(labels), t.Order, t.CreatedBy.Hex(), t.UpdatedBy.Hex(),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

func (o *sqliteOps) UpdateTask(ctx context.Context, taskID primitive.ObjectID, patch models.TaskPatch, updatedBy primitive.ObjectID, at time.Time) (*models.Task, error) {
	sets := []string{"updated_by = ?", "updated_at = ?"}
	args := []any{updatedBy.Hex(), formatTime(at)}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.ClearAssignee {
		sets = append(sets, "assigned_to = NULL")
	} else if patch.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, patch.AssignedTo.Hex())
	}
	if patch.ClearDueDate {
		sets = append(sets, "due_date = NULL")
	} else if patch.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, formatTime(*patch.DueDate))
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*patch.Priority))
	}
	if patch.Labels != nil {
		labels, err := json.Marshal(nonNilLabels(*patch.Labels))
		if err != nil {
			return nil, err
		}
		sets = append(sets, "labels = ?")
		args = append(args, string(labels))
	}
	res, err := o.q.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, taskID.Hex())...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperrors.NotFoundf("task not found")
	}
	return o.GetTask(ctx, taskID)
}

func (o *sqliteOps) DeleteTask(ctx context.Context, taskID primitive.ObjectID) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID.Hex())
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFoundf("task not found")
	}
	return nil
}

func (o *sqliteOps) SetOrders(ctx context.Context, orders []OrderAssignment) error {
	for _, a := range orders {
		if _, err := o.q.ExecContext(ctx, `UPDATE tasks SET ord = ? WHERE id = ?`, a.Order, a.ID.Hex()); err != nil {
			return fmt.Errorf("set order of %s: %w", a.ID.Hex(), err)
		}
	}
	return nil
}

func (o *sqliteOps) MoveToColumn(ctx context.Context, taskID, columnID, updatedBy primitive.ObjectID, at time.Time) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE tasks SET column_id = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
		columnID.Hex(), updatedBy.Hex(), formatTime(at), taskID.Hex())
	if err != nil {
		return fmt.Errorf("reassign column: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFoundf("task not found")
	}
	return nil
}

func (o *sqliteOps) InsertBoard(ctx context.Context, b *models.Board) error {
	deleted := 0
	if b.IsDeleted {
		deleted = 1
	}
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO boards (id, title, created_by, is_deleted, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID.Hex(), b.Title, b.CreatedBy.Hex(), deleted, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (o *sqliteOps) InsertColumn(ctx context.Context, c *models.Column) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO columns (id, board_id, title, ord, revision, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID.Hex(), c.BoardID.Hex(), c.Title, c.Order, c.Revision, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (o *sqliteOps) UpsertMembership(ctx context.Context, m models.Membership) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO memberships (board_id, user_id, role, invited_by, joined_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (board_id, user_id) DO UPDATE SET role = excluded.role, invited_by = excluded.invited_by`,
		m.BoardID.Hex(), m.UserID.Hex(), m.Role.String(), nullableID(m.InvitedBy), formatTime(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
