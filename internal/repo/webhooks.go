package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sozledger/internal/domain"
)

const webhookCols = `id,entity_id,url,event_types_json,secret,is_active,created_at,updated_at`

func scanWebhook(scan func(dest ...any) error) (domain.Webhook, error) {
	var wh domain.Webhook
	var eventTypes string
	var active int
	err := scan(&wh.ID, &wh.EntityID, &wh.URL, &eventTypes, &wh.Secret, &active, &wh.CreatedAt, &wh.UpdatedAt)
	if err == sql.ErrNoRows {
		return wh, ErrNotFound
	}
	if err != nil {
		return wh, err
	}
	wh.IsActive = active != 0
	if err := json.Unmarshal([]byte(eventTypes), &wh.EventTypes); err != nil {
		return wh, fmt.Errorf("decode webhook event types: %w", err)
	}
	return wh, nil
}

func (r Repo) InsertWebhook(ctx context.Context, tx *sql.Tx, wh domain.Webhook) error {
	eventTypes, err := json.Marshal(wh.EventTypes)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO webhooks(`+webhookCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		wh.ID, wh.EntityID, wh.URL, string(eventTypes), wh.Secret, boolInt(wh.IsActive), wh.CreatedAt, wh.UpdatedAt)
	return err
}

func (r Repo) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	return scanWebhook(r.DB.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id=?`, id).Scan)
}

func (r Repo) ListWebhooks(ctx context.Context, entityID string) ([]domain.Webhook, error) {
	query := `SELECT ` + webhookCols + ` FROM webhooks`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return r.queryWebhooks(ctx, query, args...)
}

// ListActiveWebhooks returns every active subscription. The dispatcher
// polls this set.
func (r Repo) ListActiveWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return r.queryWebhooks(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE is_active=1 ORDER BY created_at, id`)
}

func (r Repo) queryWebhooks(ctx context.Context, query string, args ...any) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wh)
	}
	return res, rows.Err()
}

type WebhookUpdate struct {
	URL        *string
	EventTypes []string
	IsActive   *bool
}

func (r Repo) UpdateWebhook(ctx context.Context, tx *sql.Tx, id string, upd WebhookUpdate, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if upd.URL != nil {
		fields = append(fields, "url=?")
		args = append(args, *upd.URL)
	}
	if upd.EventTypes != nil {
		data, err := json.Marshal(upd.EventTypes)
		if err != nil {
			return err
		}
		fields = append(fields, "event_types_json=?")
		args = append(args, string(data))
	}
	if upd.IsActive != nil {
		fields = append(fields, "is_active=?")
		args = append(args, boolInt(*upd.IsActive))
	}
	args = append(args, id)
	query := `UPDATE webhooks SET `
	for i, f := range fields {
		if i > 0 {
			query += ", "
		}
		query += f
	}
	query += ` WHERE id=?`
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWebhook(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryLogCols = `id,webhook_id,event_id,event_type,attempt_number,status_code,response_body,success,error_message,next_retry_at,created_at`

func (r Repo) InsertDeliveryLog(ctx context.Context, dl domain.DeliveryLog) error {
	var statusCode any
	if dl.StatusCode != nil {
		statusCode = *dl.StatusCode
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_logs(`+deliveryLogCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		dl.ID, dl.WebhookID, dl.EventID, dl.EventType, dl.AttemptNumber, statusCode,
		nullableStringPtr(dl.ResponseBody), boolInt(dl.Success), nullableStringPtr(dl.ErrorMessage),
		nullableStringPtr(dl.NextRetryAt), dl.CreatedAt)
	return err
}

// ListDeliveryLogs returns attempts newest first. Log ids are random and
// created_at has second resolution, so ordering relies on the insertion
// rowid to keep same-second attempts in sequence.
func (r Repo) ListDeliveryLogs(ctx context.Context, webhookID string, limit int) ([]domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogCols + ` FROM delivery_logs WHERE webhook_id=? ORDER BY rowid DESC`
	args := []any{webhookID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryLog
	for rows.Next() {
		var dl domain.DeliveryLog
		var statusCode sql.NullInt64
		var body, errMsg, nextRetry sql.NullString
		var success int
		if err := rows.Scan(&dl.ID, &dl.WebhookID, &dl.EventID, &dl.EventType, &dl.AttemptNumber,
			&statusCode, &body, &success, &errMsg, &nextRetry, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			dl.StatusCode = &v
		}
		if body.Valid {
			dl.ResponseBody = &body.String
		}
		dl.Success = success != 0
		if errMsg.Valid {
			dl.ErrorMessage = &errMsg.String
		}
		if nextRetry.Valid {
			dl.NextRetryAt = &nextRetry.String
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}
