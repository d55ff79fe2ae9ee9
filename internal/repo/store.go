package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownDriver = errors.New("repo: unknown driver")

// Store is the durable state of the bot: autoinvite rules, user blocks,
// seen events, invite audit trail and small key/value bot state. Every
// write is a single auto-committed statement.
type Store struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

func NewStore(db *sql.DB, driver string) (*Store, error) {
	var d dialect
	switch driver {
	case "sqlite":
		d = sqliteDialect
	case "mysql":
		d = mysqlDialect
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	return &Store{db: db, d: d, now: time.Now}, nil
}

// Migrate creates missing tables and records the schema version.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
	case err == nil && v < schemaVersion:
		_, err = s.db.ExecContext(ctx, `UPDATE schema_version SET version=?`, schemaVersion)
	}
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	return nil
}

func (s *Store) millis() int64 { return s.now().UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

/* ---------------- seen events ---------------- */

func (s *Store) IsEventSeen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_events WHERE event_id=?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkEventSeen(ctx context.Context, ev SeenEvent) error {
	_, err := s.db.ExecContext(ctx, s.d.insertIgnore+` INTO seen_events
(event_id, event_type, room_id, sender, timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Type, ev.RoomID, nullString(ev.Sender), ev.Timestamp, s.millis())
	return err
}

// PruneSeenEvents deletes seen events whose server timestamp is older than maxAge.
func (s *Store) PruneSeenEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

/* ---------------- autoinvite rules ---------------- */

// AddRule reports whether a new rule was created.
func (s *Store) AddRule(ctx context.Context, spaceID, targetID, addedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.insertIgnore+` INTO autoinvite_rules
(space_room_id, target_room_id, added_by, created_at)
VALUES (?, ?, ?, ?)`, spaceID, targetID, nullString(addedBy), s.millis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) RemoveRule(ctx context.Context, spaceID, targetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM autoinvite_rules WHERE space_room_id=? AND target_room_id=?`, spaceID, targetID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRules returns every rule in insertion order.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, space_room_id, target_room_id, added_by, created_at
FROM autoinvite_rules
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			r       Rule
			addedBy sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SpaceRoomID, &r.TargetRoomID, &addedBy, &created); err != nil {
			return nil, err
		}
		r.AddedBy = addedBy.String
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TargetRooms returns the targets of one space in the order the rules were added.
func (s *Store) TargetRooms(ctx context.Context, spaceID string) ([]string, error) {
	return s.queryStrings(ctx, `
SELECT target_room_id FROM autoinvite_rules
WHERE space_room_id=?
ORDER BY id ASC`, spaceID)
}

func (s *Store) SpaceIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, s.d.selectSpaceIDs)
}

func (s *Store) TargetRoomIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, s.d.selectTargetIDs)
}

// ConfiguredRoomIDs is the union of spaces and targets, spaces first.
func (s *Store) ConfiguredRoomIDs(ctx context.Context) ([]string, error) {
	spaces, err := s.SpaceIDs(ctx)
	if err != nil {
		return nil, err
	}
	targets, err := s.TargetRoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(spaces)+len(targets))
	out := make([]string, 0, len(spaces)+len(targets))
	for _, id := range append(spaces, targets...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

/* ---------------- user blocks ---------------- */

func (s *Store) AddUserBlock(ctx context.Context, userID, roomID, reason string) error {
	_, err := s.db.ExecContext(ctx, s.d.upsertBlock, userID, roomID, reason, s.millis())
	return err
}

// RemoveUserBlocks removes the block for one room, or all of the user's
// blocks when roomID is empty, and returns how many were removed.
func (s *Store) RemoveUserBlocks(ctx context.Context, userID, roomID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if roomID != "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM user_blocks WHERE user_id=? AND room_id=?`, userID, roomID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM user_blocks WHERE user_id=?`, userID)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) IsUserBlocked(ctx context.Context, userID, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM user_blocks WHERE user_id=? AND room_id=?`, userID, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListUserBlocks returns blocks newest first; empty userID lists everyone's.
func (s *Store) ListUserBlocks(ctx context.Context, userID string) ([]UserBlock, error) {
	q := `SELECT user_id, room_id, reason, created_at FROM user_blocks`
	var args []any
	if userID != "" {
		q += ` WHERE user_id=?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserBlock
	for rows.Next() {
		var (
			b       UserBlock
			created int64
		)
		if err := rows.Scan(&b.UserID, &b.RoomID, &b.Reason, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = fromMillis(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

/* ---------------- invite audit trail ---------------- */

func (s *Store) RecordInvite(ctx context.Context, rec InviteRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invite_history (user_id, room_id, source, result, error_detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.RoomID, rec.Source, rec.Result, nullString(rec.ErrorDetail), s.millis())
	return err
}

func (s *Store) InviteStats(ctx context.Context) (InviteStats, error) {
	var st InviteStats
	rows, err := s.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM invite_history GROUP BY result`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			result string
			n      int64
		)
		if err := rows.Scan(&result, &n); err != nil {
			return st, err
		}
		st.Total += n
		switch result {
		case ResultInvited:
			st.Invited += n
		case ResultFailed:
			st.Failed += n
		case ResultAlreadyJoined:
			st.AlreadyJoined += n
		case ResultSkipped:
			st.Skipped += n
		}
	}
	return st, rows.Err()
}

// InviteHistory returns the most recent records first.
func (s *Store) InviteHistory(ctx context.Context, f HistoryFilter) ([]InviteRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.RoomID != "" {
		conds = append(conds, "room_id=?")
		args = append(args, f.RoomID)
	}
	q := `SELECT id, user_id, room_id, source, result, error_detail, created_at FROM invite_history`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)
	return s.queryRecords(ctx, q, args...)
}

// InviteRecordsAfter pages through the audit trail in id order.
func (s *Store) InviteRecordsAfter(ctx context.Context, afterID int64, limit int) ([]InviteRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryRecords(ctx, `
SELECT id, user_id, room_id, source, result, error_detail, created_at
FROM invite_history
WHERE id > ?
ORDER BY id ASC
LIMIT ?`, afterID, limit)
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]InviteRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InviteRecord
	for rows.Next() {
		var (
			r       InviteRecord
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoomID, &r.Source, &r.Result, &detail, &created); err != nil {
			return nil, err
		}
		r.ErrorDetail = detail.String
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

/* ---------------- bot state ---------------- */

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM bot_state WHERE `key`=?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.d.upsertState, key, value, s.millis())
	return err
}

const nextBatchKey = "next_batch"

func (s *Store) NextBatch(ctx context.Context) (string, error) {
	v, _, err := s.GetState(ctx, nextBatchKey)
	return v, err
}

func (s *Store) SetNextBatch(ctx context.Context, token string) error {
	return s.SetState(ctx, nextBatchKey, token)
}

func (s *Store) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
