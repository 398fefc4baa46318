package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// Enqueue records that a remote op is owed for the record and returns the
// entry's sequence number. Re-queuing an existing entry bumps its sequence.
func (o ops) Enqueue(ctx context.Context, collection models.Collection, id string, op models.OutboxOp) (int64, error) {
	var seq int64
	err := o.q.QueryRowContext(ctx, `
		INSERT INTO outbox (collection, record_id, op, seq, queued_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(collection, record_id, op) DO UPDATE SET
			seq = outbox.seq + 1,
			queued_at = excluded.queued_at
		RETURNING seq
	`, string(collection), id, string(op), formatTime(time.Now())).Scan(&seq)
	if err != nil {
		return 0, errors.Store(err, fmt.Sprintf("enqueue %s %s/%s", op, collection, id))
	}
	return seq, nil
}

// Ack removes the entry if it has not been re-queued since seq was issued.
func (o ops) Ack(ctx context.Context, collection models.Collection, id string, op models.OutboxOp, seq int64) (bool, error) {
	res, err := o.q.ExecContext(ctx, `
		DELETE FROM outbox WHERE collection = ? AND record_id = ? AND op = ? AND seq = ?
	`, string(collection), id, string(op), seq)
	if err != nil {
		return false, errors.Store(err, fmt.Sprintf("ack %s %s/%s", op, collection, id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Dequeue removes the entry regardless of its sequence.
func (o ops) Dequeue(ctx context.Context, collection models.Collection, id string, op models.OutboxOp) error {
	_, err := o.q.ExecContext(ctx, `DELETE FROM outbox WHERE collection = ? AND record_id = ? AND op = ?`,
		string(collection), id, string(op))
	if err != nil {
		return errors.Store(err, fmt.Sprintf("dequeue %s %s/%s", op, collection, id))
	}
	return nil
}

// RecordFailure notes a failed attempt on the entry.
func (o ops) RecordFailure(ctx context.Context, collection models.Collection, id string, op models.OutboxOp, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.q.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?
		WHERE collection = ? AND record_id = ? AND op = ?
	`, msg, string(collection), id, string(op))
	if err != nil {
		return errors.Store(err, "record outbox failure")
	}
	return nil
}

// Outbox lists entries of one op, oldest first.
func (o ops) Outbox(ctx context.Context, op models.OutboxOp) ([]models.OutboxEntry, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT collection, record_id, op, seq, attempts, last_error, queued_at
		FROM outbox WHERE op = ? ORDER BY queued_at, record_id
	`, string(op))
	if err != nil {
		return nil, errors.Store(err, "query outbox")
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var (
			e          models.OutboxEntry
			collection string
			entryOp    string
			queuedAt   string
		)
		if err := rows.Scan(&collection, &e.RecordID, &entryOp, &e.Seq, &e.Attempts, &e.LastError, &queuedAt); err != nil {
			return nil, errors.Store(err, "scan outbox entry")
		}
		e.Collection = models.Collection(collection)
		e.Op = models.OutboxOp(entryOp)
		if e.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, errors.Store(err, "scan outbox entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store(err, "iterate outbox")
	}
	return entries, nil
}

// HasOutbox reports whether any entry exists for the record.
func (o ops) HasOutbox(ctx context.Context, collection models.Collection, id string) (bool, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE collection = ? AND record_id = ?`,
		string(collection), id).Scan(&n)
	if err != nil {
		return false, errors.Store(err, "query outbox")
	}
	return n > 0, nil
}

// OutboxLen returns the number of queued entries.
func (o ops) OutboxLen(ctx context.Context) (int, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, errors.Store(err, "count outbox")
	}
	return n, nil
}
