package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind selects the dn or ip entity table for operations shared by both.
type Kind string

const (
	KindIP Kind = "ip"
	KindDN Kind = "dn"
)

func (k Kind) table() string {
	if k == KindDN {
		return "full_ntp_measurement_dn"
	}
	return "full_ntp_measurement_ip"
}

func (k Kind) idColumn() string {
	if k == KindDN {
		return "id_m_dn"
	}
	return "id_m_ip"
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same insert
// helpers serve standalone calls and staged transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateIPMeasurement inserts a pending standalone ip measurement.
func (s *Store) CreateIPMeasurement(ctx context.Context, serverIP, measurementType string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO full_ntp_measurement_ip (server_ip, measurement_type) VALUES ($1, $2) RETURNING id_m_ip`,
		sanitizeText(serverIP), measurementType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create ip measurement: %w", err)
	}
	return id, nil
}

// CreateDNMeasurement inserts a pending dn measurement.
func (s *Store) CreateDNMeasurement(ctx context.Context, server string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO full_ntp_measurement_dn (server) VALUES ($1) RETURNING id_m_dn`,
		sanitizeText(server)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create dn measurement: %w", err)
	}
	return id, nil
}

// CreateChildIP inserts a pending ip measurement and links it to its dn
// parent in one transaction; link insertion order defines child order.
func (s *Store) CreateChildIP(ctx context.Context, dnID int64, serverIP, measurementType string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO full_ntp_measurement_ip (server_ip, measurement_type) VALUES ($1, $2) RETURNING id_m_ip`,
			sanitizeText(serverIP), measurementType).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO dn_ip_link (id_dn, id_ip) VALUES ($1, $2)`, dnID, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create child ip measurement: %w", err)
	}
	return id, nil
}

// SetStatus advances the status. Terminal rows absorb the write silently so
// a late stage transition can never resurrect a failed measurement.
func (s *Store) SetStatus(ctx context.Context, kind Kind, id int64, status Status) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2 WHERE %s = $1 AND status NOT IN ('finished','failed')`,
		kind.table(), kind.idColumn()), id, string(status))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, kind, id)
	}
	return nil
}

// MarkFailed moves the row to the failed absorbing state with its reason.
func (s *Store) MarkFailed(ctx context.Context, kind Kind, id int64, reason string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'failed', response_error = $2 WHERE %s = $1 AND status NOT IN ('finished','failed')`,
		kind.table(), kind.idColumn()), id, sanitizeText(reason))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, kind, id)
	}
	return nil
}

// SetResponseError records a non-fatal probe failure without changing status.
func (s *Store) SetResponseError(ctx context.Context, kind Kind, id int64, msg string) error {
	return s.setColumn(ctx, kind, id, "response_error", sanitizeText(msg))
}

// SetRipeError records a RIPE scheduling failure; the pipeline continues.
func (s *Store) SetRipeError(ctx context.Context, kind Kind, id int64, msg string) error {
	return s.setColumn(ctx, kind, id, "ripe_error", sanitizeText(msg))
}

// SetRipeID attaches the scheduled RIPE Atlas measurement id.
func (s *Store) SetRipeID(ctx context.Context, kind Kind, id int64, ripeID string) error {
	return s.setColumn(ctx, kind, id, "id_ripe", ripeID)
}

// SetSettings persists the effective settings the pipeline ran with.
func (s *Store) SetSettings(ctx context.Context, kind Kind, id int64, settings any) error {
	return s.setColumn(ctx, kind, id, "settings", settings)
}

func (s *Store) setColumn(ctx context.Context, kind Kind, id int64, column string, value any) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = $2 WHERE %s = $1`, kind.table(), column, kind.idColumn()), id, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) requireExists(ctx context.Context, kind Kind, id int64) error {
	var one int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE %s = $1`, kind.table(), kind.idColumn()), id).Scan(&one)
	return notFound(err)
}

func insertNTPv4(ctx context.Context, q querier, data any) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO ntpv4_measurement (ntpv_data) VALUES ($1) RETURNING id_v`, data).Scan(&id)
	return id, err
}

func insertNTPv5(ctx context.Context, q querier, draftName string, data any, analysis string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO ntpv5_measurement (draft_name, ntpv5_data, analysis) VALUES ($1, $2, $3) RETURNING id_v5`,
		draftName, data, analysis).Scan(&id)
	return id, err
}

// SaveMainMeasurement inserts the primary probe record into the table named
// by class and points the ip row at it, all in one transaction.
func (s *Store) SaveMainMeasurement(ctx context.Context, ipID int64, class, draftName string, data any, analysis string) (int64, error) {
	var recordID int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if class == ClassNTPv5 {
			recordID, err = insertNTPv5(ctx, tx, draftName, data, analysis)
		} else {
			recordID, err = insertNTPv4(ctx, tx, data)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE full_ntp_measurement_ip SET id_v_measurement = $2, response_version = $3 WHERE id_m_ip = $1`,
			ipID, recordID, class)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save main measurement: %w", err)
	}
	return recordID, nil
}

// SaveNTS inserts the NTS record and attaches it to its parent.
func (s *Store) SaveNTS(ctx context.Context, kind Kind, parentID int64, rec *NTSRecord) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO nts_measurement (succeeded, host, measured_ip, measured_port, nts_data, kiss_code, analysis, measurement_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id_nts`,
			rec.Succeeded, sanitizeText(rec.Host), rec.MeasuredIP, rec.MeasuredPort,
			rec.Data, sanitizeText(rec.KissCode), rec.Analysis, rec.Version).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET id_nts = $2 WHERE %s = $1`, kind.table(), kind.idColumn()), parentID, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save nts measurement: %w", err)
	}
	return id, nil
}

// SweepSlot is one version's sweep outcome heading for persistence; the
// array index (version minus one) decides its column in ntp_versions.
type SweepSlot struct {
	Confidence      string
	Analysis        string
	ResponseVersion *int16
	// Data is nil when the probe got no parseable response.
	Data      any
	DraftName string
}

// slotClass decides which record table a slot's payload belongs to. Slot 5
// always lands in the v5 table, even when the response only masquerades as
// v5; other slots move to the v5 table when the response version says 5.
func slotClass(slot int, responseVersion *int16) string {
	if slot == 4 {
		return ClassNTPv5
	}
	if responseVersion != nil && *responseVersion == 5 {
		return ClassNTPv5
	}
	return ClassNTPv4
}

// SaveVersionsSummary inserts all sweep records plus the summary row and
// attaches it to the parent, in one transaction. The returned summary
// carries the allocated record ids.
func (s *Store) SaveVersionsSummary(ctx context.Context, kind Kind, parentID int64, slots [5]SweepSlot) (*VersionsSummary, error) {
	vs := &VersionsSummary{}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for i, slot := range slots {
			vs.Slots[i] = VersionSlot{
				Confidence:      slot.Confidence,
				ResponseVersion: slot.ResponseVersion,
				Analysis:        slot.Analysis,
			}
			if slot.Data == nil {
				continue
			}
			var (
				recordID int64
				err      error
			)
			if slotClass(i, slot.ResponseVersion) == ClassNTPv5 {
				recordID, err = insertNTPv5(ctx, tx, slot.DraftName, slot.Data, slot.Analysis)
			} else {
				recordID, err = insertNTPv4(ctx, tx, slot.Data)
			}
			if err != nil {
				return err
			}
			vs.Slots[i].RecordID = &recordID
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO ntp_versions (
				id_v4_1, id_v4_2, id_v4_3, id_v4_4, id_v5,
				ntpv1_supported_conf, ntpv1_response_version, analysis_v1,
				ntpv2_supported_conf, ntpv2_response_version, analysis_v2,
				ntpv3_supported_conf, ntpv3_response_version, analysis_v3,
				ntpv4_supported_conf, ntpv4_response_version, analysis_v4,
				ntpv5_supported_conf, ntpv5_response_version, analysis_v5
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			RETURNING id_vs`,
			vs.Slots[0].RecordID, vs.Slots[1].RecordID, vs.Slots[2].RecordID, vs.Slots[3].RecordID, vs.Slots[4].RecordID,
			vs.Slots[0].Confidence, vs.Slots[0].ResponseVersion, vs.Slots[0].Analysis,
			vs.Slots[1].Confidence, vs.Slots[1].ResponseVersion, vs.Slots[1].Analysis,
			vs.Slots[2].Confidence, vs.Slots[2].ResponseVersion, vs.Slots[2].Analysis,
			vs.Slots[3].Confidence, vs.Slots[3].ResponseVersion, vs.Slots[3].Analysis,
			vs.Slots[4].Confidence, vs.Slots[4].ResponseVersion, vs.Slots[4].Analysis,
		).Scan(&vs.ID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET id_vs = $2 WHERE %s = $1`, kind.table(), kind.idColumn()), parentID, vs.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save versions summary: %w", err)
	}
	return vs, nil
}

// InsertServerInfo stores a geo side row next to a v4 or v5 record.
func (s *Store) InsertServerInfo(ctx context.Context, class string, recordID int64, info *ServerInfo) error {
	table := "server_info_v4"
	if class == ClassNTPv5 {
		table = "server_info_v5"
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (record_id, ip_is_anycast, asn, country_code, latitude, longitude, vantage_point_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, table),
		recordID, info.IPIsAnycast, int64(info.ASN), info.CountryCode, info.Latitude, info.Longitude, info.VantagePointIP)
	if err != nil {
		return fmt.Errorf("insert server info: %w", err)
	}
	return nil
}
