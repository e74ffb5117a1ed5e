package maintenance

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicsched/internal/platform/db"
)

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const scheduleCols = `id, resource_id, resource_kind, maintenance_type, frequency_unit,
	frequency_interval, usage_threshold, estimated_minutes, last_performed, next_due,
	status, skipped_occurrences, usage_at_last_service, version, updated_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	var last *time.Time
	err := row.Scan(&s.ID, &s.ResourceID, &s.ResourceKind, &s.Type, &s.Rule.Unit,
		&s.Rule.Interval, &s.Rule.UsageThreshold, &s.EstimatedMinutes, &last, &s.NextDue,
		&s.Status, &s.SkippedOccurrences, &s.UsageAtLastService, &s.Version, &s.UpdatedAt)
	if last != nil {
		s.LastPerformed = *last
	}
	return s, err
}

func (r *scheduleRepoPG) List(ctx context.Context) ([]Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scheduleCols+` FROM maintenance_schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) Save(ctx context.Context, s *Schedule) error {
	var last *time.Time
	if !s.LastPerformed.IsZero() {
		last = &s.LastPerformed
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO maintenance_schedules (`+scheduleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET maintenance_type=$4, frequency_unit=$5,
			frequency_interval=$6, usage_threshold=$7, estimated_minutes=$8, last_performed=$9,
			next_due=$10, status=$11, skipped_occurrences=$12, usage_at_last_service=$13,
			version=$14, updated_at=$15
		WHERE maintenance_schedules.version < EXCLUDED.version`,
		s.ID, s.ResourceID, s.ResourceKind, s.Type, s.Rule.Unit,
		s.Rule.Interval, s.Rule.UsageThreshold, s.EstimatedMinutes, last, s.NextDue,
		s.Status, s.SkippedOccurrences, s.UsageAtLastService, s.Version, s.UpdatedAt)
	return err
}
