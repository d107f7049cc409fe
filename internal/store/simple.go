package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
)

// InsertSimpleMeasurement stores one synchronous-path measurement: the raw
// exchange timestamps in times, the derived fields in measurements, linked
// by time_id, in one transaction.
func (s *Store) InsertSimpleMeasurement(ctx context.Context, m *SimpleMeasurement) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var timeID int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO times (client_sent, client_sent_prec, server_recv, server_recv_prec,
			                    server_sent, server_sent_prec, client_recv, client_recv_prec)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			int64(m.ClientSent), int64(m.ClientSentPrec),
			int64(m.ServerRecv), int64(m.ServerRecvPrec),
			int64(m.ServerSent), int64(m.ServerSentPrec),
			int64(m.ClientRecv), int64(m.ClientRecvPrec)).Scan(&timeID); err != nil {
			return err
		}

		return tx.QueryRow(ctx,
			`INSERT INTO measurements (
				vantage_point_ip, ntp_server_ip, ntp_server_name, ntp_version,
				ntp_server_ref_parent_ip, ref_name, time_id,
				time_offset, rtt, stratum, "precision", reachability,
				root_delay, root_delay_prec, poll,
				root_dispersion, root_dispersion_prec,
				ntp_last_sync_time, ntp_last_sync_time_prec
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
			RETURNING id`,
			m.VantagePointIP, m.ServerIP, sanitizeText(m.ServerName), m.Version,
			sanitizeText(m.RefParentIP), sanitizeText(m.RefName), timeID,
			m.Offset, m.RTT, m.Stratum, m.Precision, sanitizeText(m.Reachability),
			int64(m.RootDelay), int64(m.RootDelayPrec), m.Poll,
			int64(m.RootDispersion), int64(m.RootDispersionPrec),
			int64(m.LastSyncTime), int64(m.LastSyncTimePrec)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert simple measurement: %w", err)
	}
	return id, nil
}

const simpleSelect = `
	SELECT m.id, m.vantage_point_ip, m.ntp_server_ip, m.ntp_server_name, m.ntp_version,
	       m.ntp_server_ref_parent_ip, m.ref_name,
	       m.time_offset, m.rtt, m.stratum, m."precision", m.reachability,
	       m.root_delay, m.root_delay_prec, m.poll,
	       m.root_dispersion, m.root_dispersion_prec,
	       m.ntp_last_sync_time, m.ntp_last_sync_time_prec,
	       t.client_sent, t.client_sent_prec, t.server_recv, t.server_recv_prec,
	       t.server_sent, t.server_sent_prec, t.client_recv, t.client_recv_prec
	FROM measurements m JOIN times t ON m.time_id = t.id`

func scanSimple(rows pgx.Rows) (*SimpleMeasurement, error) {
	m := &SimpleMeasurement{}
	var (
		rootDelay, rootDelayPrec, rootDisp, rootDispPrec, lastSync, lastSyncPrec int64
		cs, csp, sr, srp, ss, ssp, cr, crp                                       int64
	)
	if err := rows.Scan(
		&m.ID, &m.VantagePointIP, &m.ServerIP, &m.ServerName, &m.Version,
		&m.RefParentIP, &m.RefName,
		&m.Offset, &m.RTT, &m.Stratum, &m.Precision, &m.Reachability,
		&rootDelay, &rootDelayPrec, &m.Poll,
		&rootDisp, &rootDispPrec,
		&lastSync, &lastSyncPrec,
		&cs, &csp, &sr, &srp, &ss, &ssp, &cr, &crp); err != nil {
		return nil, err
	}
	m.RootDelay, m.RootDelayPrec = uint32(rootDelay), uint32(rootDelayPrec)
	m.RootDispersion, m.RootDispersionPrec = uint32(rootDisp), uint32(rootDispPrec)
	m.LastSyncTime, m.LastSyncTimePrec = uint32(lastSync), uint32(lastSyncPrec)
	m.ClientSent, m.ClientSentPrec = uint32(cs), uint32(csp)
	m.ServerRecv, m.ServerRecvPrec = uint32(sr), uint32(srp)
	m.ServerSent, m.ServerSentPrec = uint32(ss), uint32(ssp)
	m.ClientRecv, m.ClientRecvPrec = uint32(cr), uint32(crp)
	return m, nil
}

func (s *Store) querySimple(ctx context.Context, where string, args ...any) ([]*SimpleMeasurement, error) {
	rows, err := s.pool.Query(ctx, simpleSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SimpleMeasurement
	for rows.Next() {
		m, err := scanSimple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HistoryByIP returns simple measurements for one server IP whose client
// send time falls in [start, end].
func (s *Store) HistoryByIP(ctx context.Context, ip string, start, end time.Time) ([]*SimpleMeasurement, error) {
	startTS := ntptime.FromUnix(start)
	endTS := ntptime.FromUnix(end)
	out, err := s.querySimple(ctx,
		`WHERE m.ntp_server_ip = $1 AND t.client_sent >= $2 AND t.client_sent <= $3 ORDER BY t.client_sent`,
		ip, int64(startTS.Seconds), int64(endTS.Seconds))
	if err != nil {
		return nil, fmt.Errorf("fetch history for ip %s: %w", ip, err)
	}
	return out, nil
}

// HistoryByName is HistoryByIP keyed on the server's domain name.
func (s *Store) HistoryByName(ctx context.Context, name string, start, end time.Time) ([]*SimpleMeasurement, error) {
	startTS := ntptime.FromUnix(start)
	endTS := ntptime.FromUnix(end)
	out, err := s.querySimple(ctx,
		`WHERE m.ntp_server_name = $1 AND t.client_sent >= $2 AND t.client_sent <= $3 ORDER BY t.client_sent`,
		name, int64(startTS.Seconds), int64(endTS.Seconds))
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", name, err)
	}
	return out, nil
}
