package pgparcel

import (
	"context"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const parcelColumns = `
  id, tracking_number, customer_id, agent_id,
  pickup_address, pickup_lat, pickup_lng, pickup_contact_person, pickup_contact_phone,
  delivery_address, delivery_lat, delivery_lng, delivery_contact_person, delivery_contact_phone,
  weight, size, type, description, quantity,
  payment_method, amount, cod_amount, is_paid, paid_at,
  status, distance_km, attempt_count,
  estimated_delivery_date, actual_delivery_date,
  last_known_lat, last_known_lng, last_known_at,
  created_at, updated_at`

func (s *Storage) CreateParcel(ctx context.Context, in models.ParcelCreateInput, trackingNumber string, distanceKm float64, seedRemark string) (*models.Parcel, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO parcels (
  tracking_number, customer_id,
  pickup_address, pickup_lat, pickup_lng, pickup_contact_person, pickup_contact_phone,
  delivery_address, delivery_lat, delivery_lng, delivery_contact_person, delivery_contact_phone,
  weight, size, type, description, quantity,
  payment_method, amount, cod_amount, is_paid,
  status, distance_km, estimated_delivery_date,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$25)
RETURNING id
`,
		trackingNumber, in.CustomerID,
		in.PickupLocation.Address, in.PickupLocation.Coordinates.Lat, in.PickupLocation.Coordinates.Lng,
		in.PickupLocation.ContactPerson, in.PickupLocation.ContactPhone,
		in.DeliveryLocation.Address, in.DeliveryLocation.Coordinates.Lat, in.DeliveryLocation.Coordinates.Lng,
		in.DeliveryLocation.ContactPerson, in.DeliveryLocation.ContactPhone,
		in.Details.Weight, in.Details.Size, in.Details.Type, in.Details.Description, in.Details.Quantity,
		in.Payment.Method, in.Payment.Amount, in.Payment.CODAmount, in.Payment.IsPaid,
		models.StatusPending, distanceKm, in.EstimatedDeliveryDate,
		now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			// Коллизия трек-номера: retryable, генерим новый и пробуем снова.
			return nil, errors.Wrap(apperr.ErrDuplicateTrackingNumber, trackingNumber)
		}
		return nil, errors.Wrap(err, "insert parcel")
	}

	// Сидовая запись истории: инвариант len(history) >= 1 с момента создания.
	_, err = tx.Exec(ctx, `
INSERT INTO parcel_status_history (parcel_id, status, happened_at, remarks, created_at)
VALUES ($1, $2, $3, $4, now())
`, id, models.StatusPending, now, seedRemark)
	if err != nil {
		return nil, errors.Wrap(err, "insert seed history")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetParcelByID(ctx, id)
}

func (s *Storage) GetParcelByID(ctx context.Context, id uint64) (*models.Parcel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE id = $1`, id)
	return s.scanParcelWithHistory(ctx, row)
}

func (s *Storage) GetParcelByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Parcel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE tracking_number = $1`, trackingNumber)
	return s.scanParcelWithHistory(ctx, row)
}

// ActiveParcelsByAgent читается заново на каждый location publish:
// назначения могли поменяться между апдейтами, кэшировать нельзя.
func (s *Storage) ActiveParcelsByAgent(ctx context.Context, agentID uint64, statuses []string) ([]*models.Parcel, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+parcelColumns+`
FROM parcels
WHERE agent_id = $1 AND status = ANY($2)
ORDER BY id
`, agentID, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "select active parcels")
	}
	defer rows.Close()

	var out []*models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListStatusHistory(ctx context.Context, parcelID uint64) ([]models.StatusHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT status, happened_at, lat, lng, remarks, updated_by
FROM parcel_status_history
WHERE parcel_id = $1
ORDER BY id
`, parcelID)
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}
	defer rows.Close()

	var out []models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		var lat, lng *float64
		var updatedBy *uint64
		if err := rows.Scan(&e.Status, &e.Timestamp, &lat, &lng, &e.Remarks, &updatedBy); err != nil {
			return nil, errors.Wrap(err, "scan history entry")
		}
		if lat != nil && lng != nil {
			e.Location = &models.GeoPoint{Lat: *lat, Lng: *lng}
		}
		if updatedBy != nil {
			e.UpdatedBy = *updatedBy
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

type TransitionUpdate struct {
	ParcelID uint64

	// Оптимистическая проверка: переход применяется, только если текущий
	// статус в БД всё ещё равен ExpectedStatus. Два конкурентных перехода
	// не могут примениться к одному и тому же прошлому состоянию.
	ExpectedStatus string
	NewStatus      string

	HappenedAt time.Time
	Location   *models.GeoPoint
	Remarks    string
	UpdatedBy  uint64

	// assigned: проставить агента (не очищается автоматически).
	AssignAgentID *uint64

	// delivered: actual_delivery_date ровно один раз.
	SetActualDelivery bool

	// failed: attempt_count + 1.
	IncrementAttempt bool
}

// ApplyTransition атомарно применяет переход и дописывает запись истории.
// Возвращает ErrInvalidTransition, если прошлое состояние уже не ExpectedStatus
// (конкурентный переход успел раньше). Сбой стораджа фатален для перехода:
// частичного состояния не остаётся.
func (s *Storage) ApplyTransition(ctx context.Context, upd TransitionUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE parcels
SET
  status = $3,
  agent_id = COALESCE($4, agent_id),
  actual_delivery_date = CASE WHEN $5 THEN COALESCE(actual_delivery_date, $6) ELSE actual_delivery_date END,
  attempt_count = attempt_count + CASE WHEN $7 THEN 1 ELSE 0 END,
  updated_at = now()
WHERE id = $1 AND status = $2
`, upd.ParcelID, upd.ExpectedStatus, upd.NewStatus,
		upd.AssignAgentID, upd.SetActualDelivery, upd.HappenedAt.UTC(), upd.IncrementAttempt)
	if err != nil {
		return errors.Wrap(err, "update parcel status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrInvalidTransition,
			"parcel %d is no longer in status %q", upd.ParcelID, upd.ExpectedStatus)
	}

	var lat, lng *float64
	if upd.Location != nil {
		lat, lng = &upd.Location.Lat, &upd.Location.Lng
	}
	_, err = tx.Exec(ctx, `
INSERT INTO parcel_status_history (parcel_id, status, happened_at, lat, lng, remarks, updated_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
`, upd.ParcelID, upd.NewStatus, upd.HappenedAt.UTC(), lat, lng, upd.Remarks, upd.UpdatedBy)
	if err != nil {
		return errors.Wrap(err, "insert history entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// MirrorAgentLocation — best-effort зеркало last-known локации на посылку
// плюс история точек (держим не больше 50 последних).
func (s *Storage) MirrorAgentLocation(ctx context.Context, parcelID uint64, lat, lng float64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE parcels
SET last_known_lat = $2, last_known_lng = $3, last_known_at = $4, updated_at = now()
WHERE id = $1
`, parcelID, lat, lng, at.UTC())
	if err != nil {
		return errors.Wrap(err, "update last known location")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO parcel_location_history (parcel_id, lat, lng, recorded_at)
VALUES ($1,$2,$3,$4)
`, parcelID, lat, lng, at.UTC())
	if err != nil {
		return errors.Wrap(err, "insert location point")
	}

	_, err = tx.Exec(ctx, `
DELETE FROM parcel_location_history
WHERE parcel_id = $1
  AND id NOT IN (
    SELECT id FROM parcel_location_history
    WHERE parcel_id = $1
    ORDER BY id DESC
    LIMIT 50
  )
`, parcelID)
	if err != nil {
		return errors.Wrap(err, "trim location history")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

type parcelScanner interface {
	Scan(dest ...any) error
}

func (s *Storage) scanParcelWithHistory(ctx context.Context, row parcelScanner) (*models.Parcel, error) {
	p, err := scanParcel(row)
	if err != nil {
		return nil, err
	}
	history, err := s.ListStatusHistory(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.StatusHistory = history
	return p, nil
}

func scanParcel(row parcelScanner) (*models.Parcel, error) {
	var p models.Parcel
	var lastLat, lastLng *float64
	if err := row.Scan(
		&p.ID, &p.TrackingNumber, &p.CustomerID, &p.AgentID,
		&p.PickupLocation.Address, &p.PickupLocation.Coordinates.Lat, &p.PickupLocation.Coordinates.Lng,
		&p.PickupLocation.ContactPerson, &p.PickupLocation.ContactPhone,
		&p.DeliveryLocation.Address, &p.DeliveryLocation.Coordinates.Lat, &p.DeliveryLocation.Coordinates.Lng,
		&p.DeliveryLocation.ContactPerson, &p.DeliveryLocation.ContactPhone,
		&p.Details.Weight, &p.Details.Size, &p.Details.Type, &p.Details.Description, &p.Details.Quantity,
		&p.Payment.Method, &p.Payment.Amount, &p.Payment.CODAmount, &p.Payment.IsPaid, &p.Payment.PaidAt,
		&p.Status, &p.DistanceKm, &p.AttemptCount,
		&p.EstimatedDeliveryDate, &p.ActualDeliveryDate,
		&lastLat, &lastLng, &p.LastKnownLocationAt,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan parcel")
	}
	if lastLat != nil && lastLng != nil {
		p.LastKnownLocation = &models.GeoPoint{Lat: *lastLat, Lng: *lastLng}
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
