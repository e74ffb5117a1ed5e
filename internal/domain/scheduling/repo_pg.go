package scheduling

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicsched/internal/platform/db"
)

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &bookingRepoPG{pool: pool}
}

func (r *bookingRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const bookingCols = `id, room_id, equipment_ids, patient_ref, dentist_ref,
	start_time, end_time, status, version, created_at, updated_at`

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.RoomID, &b.EquipmentIDs, &b.PatientRef, &b.DentistRef,
		&b.Start, &b.End, &b.Status, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *bookingRepoPG) List(ctx context.Context) ([]Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings ORDER BY start_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *bookingRepoPG) Save(ctx context.Context, b *Booking) error {
	equipment := b.EquipmentIDs
	if equipment == nil {
		equipment = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bookings (id, room_id, equipment_ids, patient_ref, dentist_ref,
			start_time, end_time, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET room_id=$2, equipment_ids=$3, patient_ref=$4,
			dentist_ref=$5, start_time=$6, end_time=$7, status=$8, version=$9, updated_at=$11
		WHERE bookings.version < EXCLUDED.version`,
		b.ID, b.RoomID, equipment, b.PatientRef, b.DentistRef,
		b.Start, b.End, b.Status, b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}
