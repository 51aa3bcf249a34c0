package queue

import (
	"context"
	"database/sql"
	"encoding/json"

	syncErrors "github.com/fieldtrack/fieldsync/errors"
	"github.com/fieldtrack/fieldsync/operation"
)

const (
	opRecordConflict = "queue.RecordConflict"
	opConflicts      = "queue.Conflicts"
	opDeleteConflict = "queue.DeleteConflict"
)

// RecordConflict durably parks a detected conflict. Recording twice for
// the same sync ID overwrites, so a re-received conflict result is
// harmless.
func (q *Queue) RecordConflict(ctx context.Context, rec *operation.ConflictRecord) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	_, err := q.db.ExecContext(ctx, `
        INSERT INTO conflicts
            (sync_id, entity_type, entity_id, local_payload, remote_payload,
             base_version, remote_version, strategy, detected_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(sync_id) DO UPDATE SET
            remote_payload = excluded.remote_payload,
            remote_version = excluded.remote_version,
            detected_at = excluded.detected_at`,
		rec.SyncID, rec.EntityType, rec.EntityID, string(rec.LocalPayload),
		string(rec.RemotePayload), rec.BaseVersion, rec.RemoteVersion,
		string(rec.Strategy), rec.DetectedAt.UTC())
	if err != nil {
		return syncErrors.WrapOpComponent(err, opRecordConflict, "queue")
	}
	return nil
}

// Conflict returns the parked conflict for syncID.
func (q *Queue) Conflict(ctx context.Context, syncID string) (*operation.ConflictRecord, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	row := q.db.QueryRowContext(ctx, selectConflict+` WHERE sync_id = ?`, syncID)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opConflicts, "queue")
	}
	return rec, nil
}

// Conflicts lists all parked conflicts, oldest first.
func (q *Queue) Conflicts(ctx context.Context) ([]*operation.ConflictRecord, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, selectConflict+` ORDER BY detected_at ASC`)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opConflicts, "queue")
	}
	defer rows.Close()

	var recs []*operation.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, opConflicts, "queue")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteConflict removes a resolved conflict record.
func (q *Queue) DeleteConflict(ctx context.Context, syncID string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM conflicts WHERE sync_id = ?`, syncID); err != nil {
		return syncErrors.WrapOpComponent(err, opDeleteConflict, "queue")
	}
	return nil
}

const selectConflict = `
    SELECT sync_id, entity_type, entity_id, local_payload, remote_payload,
           base_version, remote_version, strategy, detected_at
    FROM conflicts`

func scanConflict(row rowScanner) (*operation.ConflictRecord, error) {
	var (
		rec           operation.ConflictRecord
		localPayload  string
		remotePayload string
		strategy      string
	)
	err := row.Scan(&rec.SyncID, &rec.EntityType, &rec.EntityID, &localPayload,
		&remotePayload, &rec.BaseVersion, &rec.RemoteVersion, &strategy, &rec.DetectedAt)
	if err != nil {
		return nil, err
	}
	rec.LocalPayload = json.RawMessage(localPayload)
	rec.RemotePayload = json.RawMessage(remotePayload)
	rec.Strategy = operation.Strategy(strategy)
	return &rec, nil
}
