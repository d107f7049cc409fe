package store

import (
	"context"
	"fmt"
)

// migrate creates the schema. Statements are idempotent so startup after a
// partial failure converges.
func (s *Store) migrate(ctx context.Context) error {
	s.log.Debug("running database migrations")

	sqls := []string{
		`CREATE TABLE IF NOT EXISTS times (
			id BIGSERIAL PRIMARY KEY,
			client_sent BIGINT,
			client_sent_prec BIGINT,
			server_recv BIGINT,
			server_recv_prec BIGINT,
			server_sent BIGINT,
			server_sent_prec BIGINT,
			client_recv BIGINT,
			client_recv_prec BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_times_client_sent ON times (client_sent)`,

		`CREATE TABLE IF NOT EXISTS measurements (
			id BIGSERIAL PRIMARY KEY,
			vantage_point_ip TEXT,
			ntp_server_ip TEXT,
			ntp_server_name TEXT,
			ntp_version SMALLINT,
			ntp_server_ref_parent_ip TEXT,
			ref_name TEXT,
			time_id BIGINT REFERENCES times(id),
			time_offset DOUBLE PRECISION,
			rtt DOUBLE PRECISION,
			stratum SMALLINT,
			"precision" DOUBLE PRECISION,
			reachability TEXT,
			root_delay BIGINT,
			root_delay_prec BIGINT,
			poll INTEGER,
			root_dispersion BIGINT,
			root_dispersion_prec BIGINT,
			ntp_last_sync_time BIGINT,
			ntp_last_sync_time_prec BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_server_ip ON measurements (ntp_server_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_server_name ON measurements (ntp_server_name)`,

		`CREATE TABLE IF NOT EXISTS ntpv4_measurement (
			id_v BIGSERIAL PRIMARY KEY,
			ntpv_data JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS ntpv5_measurement (
			id_v5 BIGSERIAL PRIMARY KEY,
			draft_name TEXT,
			ntpv5_data JSONB,
			analysis TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS nts_measurement (
			id_nts BIGSERIAL PRIMARY KEY,
			succeeded BOOLEAN,
			host TEXT,
			measured_ip TEXT,
			measured_port INTEGER,
			nts_data JSONB,
			kiss_code TEXT,
			analysis TEXT,
			measurement_version SMALLINT
		)`,

		`CREATE TABLE IF NOT EXISTS ntp_versions (
			id_vs BIGSERIAL PRIMARY KEY,
			id_v4_1 BIGINT,
			id_v4_2 BIGINT,
			id_v4_3 BIGINT,
			id_v4_4 BIGINT,
			id_v5 BIGINT,
			ntpv1_supported_conf TEXT,
			ntpv1_response_version SMALLINT,
			analysis_v1 TEXT,
			ntpv2_supported_conf TEXT,
			ntpv2_response_version SMALLINT,
			analysis_v2 TEXT,
			ntpv3_supported_conf TEXT,
			ntpv3_response_version SMALLINT,
			analysis_v3 TEXT,
			ntpv4_supported_conf TEXT,
			ntpv4_response_version SMALLINT,
			analysis_v4 TEXT,
			ntpv5_supported_conf TEXT,
			ntpv5_response_version SMALLINT,
			analysis_v5 TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS full_ntp_measurement_ip (
			id_m_ip BIGSERIAL PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			server_ip TEXT,
			created_at_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			id_nts BIGINT REFERENCES nts_measurement(id_nts),
			id_vs BIGINT REFERENCES ntp_versions(id_vs),
			id_ripe TEXT,
			measurement_type TEXT CHECK (measurement_type IN ('ntpv4','ntpv5')),
			id_v_measurement BIGINT,
			response_version TEXT,
			response_error TEXT,
			ripe_error TEXT,
			settings JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_full_ip_status ON full_ntp_measurement_ip (status)`,
		`CREATE INDEX IF NOT EXISTS idx_full_ip_server ON full_ntp_measurement_ip (server_ip, created_at_time)`,

		`CREATE TABLE IF NOT EXISTS full_ntp_measurement_dn (
			id_m_dn BIGSERIAL PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			server TEXT,
			created_at_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			id_nts BIGINT REFERENCES nts_measurement(id_nts),
			id_vs BIGINT REFERENCES ntp_versions(id_vs),
			id_ripe TEXT,
			response_error TEXT,
			ripe_error TEXT,
			settings JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_full_dn_status ON full_ntp_measurement_dn (status)`,
		`CREATE INDEX IF NOT EXISTS idx_full_dn_server ON full_ntp_measurement_dn (server, created_at_time)`,

		`CREATE TABLE IF NOT EXISTS dn_ip_link (
			id_dn BIGINT NOT NULL REFERENCES full_ntp_measurement_dn(id_m_dn),
			id_ip BIGINT NOT NULL REFERENCES full_ntp_measurement_ip(id_m_ip),
			PRIMARY KEY (id_dn, id_ip)
		)`,

		`CREATE TABLE IF NOT EXISTS server_info_v4 (
			id BIGSERIAL PRIMARY KEY,
			record_id BIGINT REFERENCES ntpv4_measurement(id_v),
			ip_is_anycast BOOLEAN,
			asn BIGINT,
			country_code TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			vantage_point_ip TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS server_info_v5 (
			id BIGSERIAL PRIMARY KEY,
			record_id BIGINT REFERENCES ntpv5_measurement(id_v5),
			ip_is_anycast BOOLEAN,
			asn BIGINT,
			country_code TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			vantage_point_ip TEXT
		)`,
	}

	for _, stmt := range sqls {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}
