package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/kkaryeong/reagent-ology/errors"
)

// Reagent is one tracked container: a tag on the outside, a substance inside
type Reagent struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	TagUID        string    `json:"tag_uid"`
	DensityGPerML float64   `json:"density_g_per_ml"`
	TareG         float64   `json:"tare_g"`
	Unit          string    `json:"unit"`
	CurrentNetG   float64   `json:"current_net_g"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UsageLog is one committed measurement against a reagent
type UsageLog struct {
	ID        int64     `json:"id"`
	ReagentID int64     `json:"reagent_id"`
	TS        time.Time `json:"ts"`
	GrossG    float64   `json:"gross_g"`
	NetG      float64   `json:"net_g"`
	DeltaG    float64   `json:"delta_g"`
	DeltaML   float64   `json:"delta_ml"`
	Source    string    `json:"source"`
	Note      string    `json:"note"`
}

// UpsertParams describes a reagent to create or update, keyed by tag
type UpsertParams struct {
	Name          string  `json:"name"`
	TagUID        string  `json:"tag_uid"`
	DensityGPerML float64 `json:"density_g_per_ml"`
	TareG         float64 `json:"tare_g"`
	Unit          string  `json:"unit"`
}

// Upsert creates a reagent for the tag or updates the existing one. The
// measured level (current_net_g) is never touched by an update.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (*Reagent, error) {
	if p.TagUID == "" {
		return nil, errors.WrapInvalid(errors.New("tag_uid is required"),
			"Store", "Upsert", "validate params")
	}
	if p.Unit == "" {
		p.Unit = "g"
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reagents (name, tag_uid, density_g_per_ml, tare_g, unit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tag_uid) DO UPDATE SET
			name = excluded.name,
			density_g_per_ml = excluded.density_g_per_ml,
			tare_g = excluded.tare_g,
			unit = excluded.unit,
			updated_at = excluded.updated_at`,
		p.Name, p.TagUID, p.DensityGPerML, p.TareG, p.Unit, now, now,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Upsert", "write reagent")
	}

	return s.GetByTag(ctx, p.TagUID)
}

// GetByTag returns the reagent carrying the tag
func (s *Store) GetByTag(ctx context.Context, tag string) (*Reagent, error) {
	return s.getReagent(ctx, "tag_uid = ?", tag)
}

// GetByID returns one reagent by id
func (s *Store) GetByID(ctx context.Context, id int64) (*Reagent, error) {
	return s.getReagent(ctx, "id = ?", id)
}

func (s *Store) getReagent(ctx context.Context, where string, arg any) (*Reagent, error) {
	r := &Reagent{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, tag_uid, density_g_per_ml, tare_g, unit, current_net_g, created_at, updated_at
		 FROM reagents WHERE `+where,
		arg,
	).Scan(&r.ID, &r.Name, &r.TagUID, &r.DensityGPerML, &r.TareG, &r.Unit,
		&r.CurrentNetG, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WrapNotFound(errors.ErrTagNotFound, "Store", "GetReagent", "look up reagent")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetReagent", "select reagent")
	}
	return r, nil
}

// Logs returns the most recent usage logs for a reagent, newest first
func (s *Store) Logs(ctx context.Context, reagentID int64, limit int) ([]*UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reagent_id, ts, gross_g, net_g, delta_g, delta_ml, source, note
		 FROM usage_logs WHERE reagent_id = ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		reagentID, limit,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Logs", "select logs")
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		l := &UsageLog{}
		if err := rows.Scan(&l.ID, &l.ReagentID, &l.TS, &l.GrossG, &l.NetG,
			&l.DeltaG, &l.DeltaML, &l.Source, &l.Note); err != nil {
			return nil, errors.WrapTransient(err, "Store", "Logs", "scan log")
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Logs", "iterate logs")
	}

	return logs, nil
}

// Measure commits a gross reading against the reagent carrying tag:
//
//	net      = max(gross - tare, 0)
//	delta    = net - previous net
//	delta_ml = delta / density, only when density > 0
//
// The new net level and the log row are written in one transaction.
func (s *Store) Measure(ctx context.Context, tag string, grossG float64, source, note string) (*Reagent, *UsageLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	r := &Reagent{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, tag_uid, density_g_per_ml, tare_g, unit, current_net_g, created_at, updated_at
		 FROM reagents WHERE tag_uid = ?`,
		tag,
	).Scan(&r.ID, &r.Name, &r.TagUID, &r.DensityGPerML, &r.TareG, &r.Unit,
		&r.CurrentNetG, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, errors.WrapNotFound(errors.ErrTagNotFound, "Store", "Measure", "look up tag")
	}
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "select reagent")
	}

	net := grossG - r.TareG
	if net < 0 {
		net = 0
	}
	delta := net - r.CurrentNetG
	var deltaML float64
	if r.DensityGPerML > 0 {
		deltaML = delta / r.DensityGPerML
	}

	now := time.Now().UTC()
	log := &UsageLog{
		ReagentID: r.ID,
		TS:        now,
		GrossG:    grossG,
		NetG:      net,
		DeltaG:    delta,
		DeltaML:   deltaML,
		Source:    source,
		Note:      note,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO usage_logs (reagent_id, ts, gross_g, net_g, delta_g, delta_ml, source, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ReagentID, log.TS, log.GrossG, log.NetG, log.DeltaG, log.DeltaML, log.Source, log.Note,
	)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "insert log")
	}
	log.ID, err = res.LastInsertId()
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "read log id")
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE reagents SET current_net_g = ?, updated_at = ? WHERE id = ?",
		net, now, r.ID,
	)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "update level")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.WrapTransient(err, "Store", "Measure", "commit measurement")
	}

	r.CurrentNetG = net
	r.UpdatedAt = now

	s.logger.Info("Measurement committed",
		"tag_uid", tag, "gross_g", grossG, "net_g", net, "delta_g", delta)

	return r, log, nil
}
