package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"groupflow/internal/domain"
)

func (r *sqliteRepo) Welcome(ctx context.Context, tenantID, groupID string) (domain.WelcomeSettings, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT enabled,message_text,member_threshold,delay_minutes,image_enabled,image_blob,image_mime,image_caption,specific_mentions
FROM welcome_message_settings WHERE tenant_id=? AND group_id=?`, tenantID, groupID)

	ws := domain.WelcomeSettings{TenantID: tenantID, GroupID: groupID}
	var blob []byte
	var mime, caption, mentions sql.NullString
	err := row.Scan(&ws.Enabled, &ws.MessageText, &ws.MemberThreshold, &ws.DelayMinutes,
		&ws.ImageEnabled, &blob, &mime, &caption, &mentions)
	if err == sql.ErrNoRows {
		return domain.WelcomeSettings{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.WelcomeSettings{}, err
	}
	if len(blob) > 0 {
		ws.Image = &domain.Attachment{Bytes: blob, Mime: mime.String}
	}
	ws.ImageCaption = caption.String
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &ws.AlwaysMention); err != nil {
			return domain.WelcomeSettings{}, fmt.Errorf("welcome %s/%s: bad specific_mentions: %w", tenantID, groupID, err)
		}
	}
	return ws, nil
}

func (r *sqliteRepo) UpsertWelcome(ctx context.Context, ws domain.WelcomeSettings) error {
	if ws.MemberThreshold < 1 {
		return &domain.ValidationError{Field: "member_threshold", Reason: "must be at least 1"}
	}
	if ws.DelayMinutes < 0 {
		return &domain.ValidationError{Field: "delay_minutes", Reason: "must not be negative"}
	}
	mentions, err := json.Marshal(ws.AlwaysMention)
	if err != nil {
		return err
	}
	var blob []byte
	var mime sql.NullString
	if ws.Image != nil {
		blob = ws.Image.Bytes
		mime = sql.NullString{String: ws.Image.Mime, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO welcome_message_settings
  (tenant_id,group_id,enabled,message_text,member_threshold,delay_minutes,image_enabled,image_blob,image_mime,image_caption,specific_mentions)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id,group_id) DO UPDATE SET
  enabled=excluded.enabled, message_text=excluded.message_text,
  member_threshold=excluded.member_threshold, delay_minutes=excluded.delay_minutes,
  image_enabled=excluded.image_enabled, image_blob=excluded.image_blob,
  image_mime=excluded.image_mime, image_caption=excluded.image_caption,
  specific_mentions=excluded.specific_mentions`,
		ws.TenantID, ws.GroupID, ws.Enabled, ws.MessageText, ws.MemberThreshold, ws.DelayMinutes,
		ws.ImageEnabled, blob, mime, ws.ImageCaption, string(mentions))
	return err
}

func (r *sqliteRepo) DeleteWelcome(ctx context.Context, tenantID, groupID string) error {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM welcome_message_settings WHERE tenant_id=? AND group_id=?`, tenantID, groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) AdminWindow(ctx context.Context, tenantID, groupID string) (domain.AdminWindow, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT enabled,open_time,close_time FROM admin_only_schedule WHERE tenant_id=? AND group_id=?`, tenantID, groupID)
	w := domain.AdminWindow{TenantID: tenantID, GroupID: groupID}
	err := row.Scan(&w.Enabled, &w.OpenTime, &w.CloseTime)
	if err == sql.ErrNoRows {
		return domain.AdminWindow{}, domain.ErrNotFound
	}
	return w, err
}

func (r *sqliteRepo) UpsertAdminWindow(ctx context.Context, w domain.AdminWindow) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO admin_only_schedule (tenant_id,group_id,enabled,open_time,close_time)
VALUES (?,?,?,?,?)
ON CONFLICT(tenant_id,group_id) DO UPDATE SET
  enabled=excluded.enabled, open_time=excluded.open_time, close_time=excluded.close_time`,
		w.TenantID, w.GroupID, w.Enabled, w.OpenTime, w.CloseTime)
	return err
}

func (r *sqliteRepo) DeleteAdminWindow(ctx context.Context, tenantID, groupID string) error {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM admin_only_schedule WHERE tenant_id=? AND group_id=?`, tenantID, groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) ListEnabledAdminWindows(ctx context.Context) ([]domain.AdminWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tenant_id,group_id,enabled,open_time,close_time FROM admin_only_schedule WHERE enabled=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdminWindow
	for rows.Next() {
		var w domain.AdminWindow
		if err := rows.Scan(&w.TenantID, &w.GroupID, &w.Enabled, &w.OpenTime, &w.CloseTime); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
