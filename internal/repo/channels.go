package repo

import (
	"context"

	"shipyard/internal/domain"
)

// InsertChannel registers a notification URL for a recipient. Re-adding an
// existing URL re-activates it.
func (r Repo) InsertChannel(ctx context.Context, ch domain.NotificationChannel) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_channels(recipient_id,url,active,created_at) VALUES (?,?,1,?)
ON CONFLICT(recipient_id,url) DO UPDATE SET active=1`, ch.RecipientID, ch.URL, ch.CreatedAt)
	return err
}

// ActiveChannels lists the recipient's active channels.
func (r Repo) ActiveChannels(ctx context.Context, recipientID string) ([]domain.NotificationChannel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,recipient_id,url,active,created_at FROM notification_channels
WHERE recipient_id=? AND active=1 ORDER BY id`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationChannel
	for rows.Next() {
		var ch domain.NotificationChannel
		if err := rows.Scan(&ch.ID, &ch.RecipientID, &ch.URL, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, rows.Err()
}

// DeactivateChannel turns off a channel, e.g. after the transport reports it gone.
func (r Repo) DeactivateChannel(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notification_channels SET active=0 WHERE id=?`, id)
	return err
}
