package resource

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicsched/internal/platform/db"
)

type resourceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &resourceRepoPG{pool: pool}
}

func (r *resourceRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const roomCols = `id, name, room_type, capacity, location, features, status, utilization_hours, updated_at`

const equipmentCols = `e.id, e.name, e.equipment_type, e.location, e.capabilities, e.status, e.usage_hours,
	COALESCE(t.max_usage_hours, 0), COALESCE(t.calibration_mandatory, false), COALESCE(t.cost_per_hour, 0),
	e.updated_at`

func scanRoom(row pgx.Row) (Room, error) {
	var rm Room
	err := row.Scan(&rm.ID, &rm.Name, &rm.Type, &rm.Capacity, &rm.Location,
		&rm.Features, &rm.Status, &rm.UtilizationHours, &rm.UpdatedAt)
	return rm, err
}

func scanEquipment(row pgx.Row) (Equipment, error) {
	var e Equipment
	err := row.Scan(&e.ID, &e.Name, &e.Type, &e.Location, &e.Capabilities,
		&e.Status, &e.UsageHours, &e.Config.MaxUsageHours,
		&e.Config.CalibrationMandatory, &e.Config.CostPerHour, &e.UpdatedAt)
	return e, err
}

func (r *resourceRepoPG) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+roomCols+` FROM rooms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rm)
	}
	return items, rows.Err()
}

func (r *resourceRepoPG) ListEquipment(ctx context.Context) ([]Equipment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+equipmentCols+`
		FROM equipment e LEFT JOIN equipment_types t ON t.equipment_type = e.equipment_type
		ORDER BY e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *resourceRepoPG) SaveRoom(ctx context.Context, rm *Room) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rooms (id, name, room_type, capacity, location, features, status, utilization_hours, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (id) DO UPDATE SET name=$2, room_type=$3, capacity=$4, location=$5,
			features=$6, status=$7, utilization_hours=$8, updated_at=NOW()`,
		rm.ID, rm.Name, rm.Type, rm.Capacity, rm.Location, rm.Features, rm.Status, rm.UtilizationHours)
	return err
}

func (r *resourceRepoPG) SaveEquipment(ctx context.Context, e *Equipment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO equipment (id, name, equipment_type, location, capabilities, status, usage_hours, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (id) DO UPDATE SET name=$2, equipment_type=$3, location=$4,
			capabilities=$5, status=$6, usage_hours=$7, updated_at=NOW()`,
		e.ID, e.Name, e.Type, e.Location, e.Capabilities, e.Status, e.UsageHours)
	return err
}
