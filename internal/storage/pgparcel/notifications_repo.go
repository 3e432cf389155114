package pgparcel

import (
	"context"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/pkg/errors"
)

// InsertNotification создаёт durable-запись в pending.
func (s *Storage) InsertNotification(ctx context.Context, n *models.Notification) (uint64, error) {
	if !models.IsValidNotificationType(n.Type) {
		return 0, errors.Wrapf(apperr.ErrValidation, "notification type %q", n.Type)
	}
	now := time.Now().UTC()
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO notifications (user_id, parcel_id, type, title, message, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, n.UserID, n.ParcelID, n.Type, n.Title, n.Message, models.NotificationStatusPending, now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert notification")
	}
	return id, nil
}

// MarkNotificationSent — только после успешной live-доставки в user-комнату.
func (s *Storage) MarkNotificationSent(ctx context.Context, id uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE notifications
SET status = $2, sent_at = $3
WHERE id = $1 AND status = $4
`, id, models.NotificationStatusSent, at.UTC(), models.NotificationStatusPending)
	return errors.Wrap(err, "mark notification sent")
}

// ListNotifications — pull-выборка durable-записей (фолбэк на реконнект).
func (s *Storage) ListNotifications(ctx context.Context, userID uint64, unreadOnly bool, limit, offset int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, user_id, parcel_id, type, title, message, status, is_read, sent_at, read_at, created_at
FROM notifications
WHERE user_id = $1 AND ($2 = FALSE OR is_read = FALSE)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select notifications")
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.ParcelID, &n.Type, &n.Title, &n.Message,
			&n.Status, &n.IsRead, &n.SentAt, &n.ReadAt, &n.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		out = append(out, &n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// MarkNotificationRead — одноразовый флип, обратно в unread не бывает.
func (s *Storage) MarkNotificationRead(ctx context.Context, id, userID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE notifications
SET is_read = TRUE, read_at = now()
WHERE id = $1 AND user_id = $2 AND is_read = FALSE
`, id, userID)
	return errors.Wrap(err, "mark notification read")
}

func (s *Storage) CountUnreadNotifications(ctx context.Context, userID uint64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT count(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE
`, userID).Scan(&n)
	return n, errors.Wrap(err, "count unread")
}
