package mart

import (
	"context"
	"fmt"
	"time"
)

// QueuedMessage is one row of the database-backed info queue.
type QueuedMessage struct {
	MessageID int64
	Payload   []byte
}

// EnqueueMessage appends an info payload to the database queue. Used by
// loaders that share the mart database, and by tests.
func (o ops) EnqueueMessage(ctx context.Context, payload []byte) error {
	query := o.d.Rebind(`INSERT INTO sz_message_queue (payload) VALUES (?)`)
	if _, err := o.q.ExecContext(ctx, query, string(payload)); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// ClaimMessages leases up to limit unleased (or lease-expired) queue
// rows. Claims run autocommit rather than in a transaction, so the
// candidate select is only advisory; the guarded update below is what
// actually wins a row against concurrent consumers.
func (m *Mart) ClaimMessages(ctx context.Context, limit int, leaseID string, expireAt time.Time) ([]QueuedMessage, error) {
	o := m.ops
	selectQ := o.d.Rebind(`SELECT message_id FROM sz_message_queue
		WHERE lease_id IS NULL OR expire_lease_at < ?
		ORDER BY message_id LIMIT ?` + o.d.skipLocked())
	rows, err := o.q.QueryContext(ctx, selectQ, now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim messages: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if m.beforeStamp != nil {
		m.beforeStamp()
	}

	// The update repeats the lease predicate: each statement commits on
	// its own, so a concurrent consumer may have stamped a candidate row
	// between the select and here. A guarded update that hits no row
	// means the race was lost; the row is theirs.
	updateQ := o.d.Rebind(`UPDATE sz_message_queue SET lease_id = ?, expire_lease_at = ?
		WHERE message_id = ? AND (lease_id IS NULL OR expire_lease_at < ?)`)
	fetchQ := o.d.Rebind(`SELECT payload FROM sz_message_queue WHERE message_id = ?`)
	out := make([]QueuedMessage, 0, len(ids))
	for _, id := range ids {
		res, err := o.q.ExecContext(ctx, updateQ, leaseID, expireAt, id, now())
		if err != nil {
			return nil, fmt.Errorf("claim message %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("claim message %d: %w", id, err)
		} else if n == 0 {
			continue
		}
		var payload string
		if err := o.q.QueryRowContext(ctx, fetchQ, id).Scan(&payload); err != nil {
			return nil, fmt.Errorf("claim message %d: %w", id, err)
		}
		out = append(out, QueuedMessage{MessageID: id, Payload: []byte(payload)})
	}
	return out, nil
}

// AckMessage deletes a claimed queue row.
func (o ops) AckMessage(ctx context.Context, messageID int64) error {
	query := o.d.Rebind(`DELETE FROM sz_message_queue WHERE message_id = ?`)
	if _, err := o.q.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("ack message %d: %w", messageID, err)
	}
	return nil
}

// NackMessage releases a claimed queue row for redelivery.
func (o ops) NackMessage(ctx context.Context, messageID int64) error {
	query := o.d.Rebind(`UPDATE sz_message_queue SET lease_id = NULL, expire_lease_at = NULL
		WHERE message_id = ?`)
	if _, err := o.q.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("nack message %d: %w", messageID, err)
	}
	return nil
}

// QueueDepth counts queue rows not yet acknowledged.
func (o ops) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_message_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
