package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/geo"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listActivitiesSQL = `SELECT
        id,
        COALESCE(name, ''),
        COALESCE(type, ''),
        latitude::text,
        longitude::text,
        event_ts
    FROM training_partners
    ORDER BY date_created, id;`

	insertNotificationSQL = `INSERT INTO notifications (
        notification_id,
        activity_id,
        title,
        body,
        distance_m,
        fired_at,
        delivered,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (notification_id) DO UPDATE
    SET delivered = EXCLUDED.delivered,
        error     = EXCLUDED.error
    RETURNING id, created_at;`

	notificationColumns = `id,
        notification_id,
        activity_id,
        title,
        body,
        distance_m::text,
        fired_at,
        delivered,
        error,
        created_at`

	listRecentNotificationsSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    ORDER BY fired_at DESC
    LIMIT $1;`

	listNotificationsBetweenSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    WHERE fired_at >= $1
      AND fired_at < $2
    ORDER BY fired_at;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE fired_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NotificationStore defines operations for the notification audit trail.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	ListNotificationsBetween(ctx context.Context, from, to time.Time) ([]NotificationRecord, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to activities and notification audit rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is held on a dedicated connection until unlock is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// FetchActivities loads every training partner activity. Rows without both coordinates
// yield records with no location.
func (s *Store) FetchActivities(ctx context.Context) ([]activity.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActivitiesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list activities: %w", queryErr)
	}
	defer rows.Close()

	records := make([]activity.Record, 0)
	for rows.Next() {
		var (
			rec     activity.Record
			lat     sql.NullString
			lon     sql.NullString
			eventTS sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.Category, &lat, &lon, &eventTS); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}

		if lat.Valid && lon.Valid {
			point, err := parseCoordinates(lat.String, lon.String)
			if err != nil {
				return nil, fmt.Errorf("activity %s: %w", rec.ID, err)
			}
			rec.Location = &point
		}
		if eventTS.Valid {
			at := eventTS.Time.UTC()
			rec.EventAt = &at
		}

		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func parseCoordinates(latStr, lonStr string) (geo.Point, error) {
	lat, err := decimal.NewFromString(latStr)
	if err != nil {
		return geo.Point{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := decimal.NewFromString(lonStr)
	if err != nil {
		return geo.Point{}, fmt.Errorf("parse longitude: %w", err)
	}

	point := geo.Point{Lat: lat.InexactFloat64(), Lon: lon.InexactFloat64()}
	if !point.Valid() {
		return geo.Point{}, fmt.Errorf("coordinates out of range: %s", point)
	}
	return point, nil
}

// InsertNotification persists a notification outcome. Re-inserting the same notification id
// updates its delivery status.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationRecord{}, err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertNotificationSQL,
		rec.NotificationID,
		rec.ActivityID,
		rec.Title,
		rec.Body,
		rec.DistanceMeters.StringFixed(2),
		rec.FiredAt,
		rec.Delivered,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", scanErr)
	}
	return rec, nil
}

// ListRecentNotifications lists the newest notifications first.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows, limit)
}

// ListNotificationsBetween lists notifications fired within [from, to).
func (s *Store) ListNotificationsBetween(ctx context.Context, from, to time.Time) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications between: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows, 0)
}

// DeleteNotificationsBefore removes audit rows older than olderThan.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteNotificationsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete notifications before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows, capacity int) ([]NotificationRecord, error) {
	out := make([]NotificationRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanNotification(rows pgx.Rows) (NotificationRecord, error) {
	var (
		rec         NotificationRecord
		distanceStr string
		errMsg      sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.NotificationID,
		&rec.ActivityID,
		&rec.Title,
		&rec.Body,
		&distanceStr,
		&rec.FiredAt,
		&rec.Delivered,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return NotificationRecord{}, err
	}

	distance, err := decimal.NewFromString(distanceStr)
	if err != nil {
		return NotificationRecord{}, fmt.Errorf("parse distance: %w", err)
	}
	rec.DistanceMeters = distance

	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ NotificationStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ activity.Fetcher  = (*Store)(nil)
)
