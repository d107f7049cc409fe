package store

import (
	"context"
	"fmt"
	"time"
)

// View assembly is split into pure functions over loaded records so the
// serialization shapes are testable without a database.

func ntpv4View(r *NTPv4Record) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":       r.ID,
		"ntp_data": r.Data,
	}
}

func ntpv5View(r *NTPv5Record) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":             r.ID,
		"draft_name":     r.DraftName,
		"ntpv5_analysis": r.Analysis,
		"ntpv5_data":     r.Data,
	}
}

func ntsView(r *NTSRecord) map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"nts_id":                  r.ID,
		"nts_succeeded":           r.Succeeded,
		"nts_analysis":            r.Analysis,
		"nts_data":                r.Data,
		"nts_measurement_version": r.Version,
	}
}

// versionsView renders a VersionsSummary; slotRecords[n-1] is the prebuilt
// record view for version n (nil when the slot holds no record).
func versionsView(vs *VersionsSummary, slotRecords [5]map[string]any) map[string]any {
	if vs == nil {
		return nil
	}
	out := make(map[string]any, 20)
	for i, slot := range vs.Slots {
		n := i + 1
		out[fmt.Sprintf("ntpv%d_supported_conf", n)] = slot.Confidence
		out[fmt.Sprintf("ntpv%d_analysis", n)] = slot.Analysis
		if slot.ResponseVersion != nil {
			out[fmt.Sprintf("ntpv%d_response_version", n)] = *slot.ResponseVersion
		} else {
			out[fmt.Sprintf("ntpv%d_response_version", n)] = nil
		}
		out[fmt.Sprintf("ntpv%d_data", n)] = slotRecords[i]
	}
	return out
}

func fullIPView(m *IPMeasurement, main map[string]any, nts *NTSRecord, versions map[string]any) map[string]any {
	return map[string]any{
		"search_id":        fmt.Sprintf("ip%d", m.ID),
		"status":           m.Status,
		"server":           m.ServerIP,
		"created_at_time":  isoTime(m.CreatedAt),
		"main_measurement": main,
		"nts":              ntsView(nts),
		"ntp_versions":     versions,
		"id_ripe":          m.RipeID,
		"response_version": m.ResponseVersion,
		"response_error":   m.ResponseError,
		"settings":         m.Settings,
	}
}

func fullDNView(m *DNMeasurement, nts *NTSRecord, versions map[string]any, children []map[string]any) map[string]any {
	if children == nil {
		children = []map[string]any{}
	}
	return map[string]any{
		"search_id":       fmt.Sprintf("dn%d", m.ID),
		"status":          m.Status,
		"server":          m.Server,
		"created_at_time": isoTime(m.CreatedAt),
		"nts":             ntsView(nts),
		"ntp_versions":    versions,
		"id_ripe":         m.RipeID,
		"response_error":  m.ResponseError,
		"settings":        m.Settings,
		"ip_measurements": children,
	}
}

// partialIPView lists only the ids of heavy children. A child inside a dn
// view drops settings and the RIPE id, which are owned by the parent.
func partialIPView(m *IPMeasurement, child bool) map[string]any {
	out := map[string]any{
		"search_id": fmt.Sprintf("ip%d", m.ID),
		"status":    m.Status,
	}
	if m.MainID != nil {
		out["main_measurement_id"] = *m.MainID
		out["response_version"] = m.ResponseVersion
	}
	if m.NTSID != nil {
		out["id_nts"] = *m.NTSID
	}
	if m.VersionsID != nil {
		out["ntp_versions_id"] = *m.VersionsID
	}
	if m.ResponseError != nil {
		out["response_error"] = *m.ResponseError
	}
	if !child {
		if m.RipeID != nil {
			out["id_ripe"] = *m.RipeID
		}
		if m.Settings != nil {
			out["settings"] = m.Settings
		}
	}
	return out
}

func partialDNView(m *DNMeasurement, children []map[string]any) map[string]any {
	if children == nil {
		children = []map[string]any{}
	}
	out := map[string]any{
		"search_id":           fmt.Sprintf("dn%d", m.ID),
		"status":              m.Status,
		"ip_measurements_ids": children,
	}
	if m.NTSID != nil {
		out["id_nts"] = *m.NTSID
	}
	if m.VersionsID != nil {
		out["ntp_versions_id"] = *m.VersionsID
	}
	if m.RipeID != nil {
		out["id_ripe"] = *m.RipeID
	}
	if m.ResponseError != nil {
		out["response_error"] = *m.ResponseError
	}
	if m.Settings != nil {
		out["settings"] = m.Settings
	}
	return out
}

func isoTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// --- loaders ---

func (s *Store) loadIP(ctx context.Context, id int64) (*IPMeasurement, error) {
	m := &IPMeasurement{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_m_ip, status, server_ip, created_at_time, id_nts, id_vs, id_ripe,
		        measurement_type, id_v_measurement, response_version, response_error, ripe_error, settings
		 FROM full_ntp_measurement_ip WHERE id_m_ip = $1`, id).Scan(
		&m.ID, &m.Status, &m.ServerIP, &m.CreatedAt, &m.NTSID, &m.VersionsID, &m.RipeID,
		&m.MeasurementType, &m.MainID, &m.ResponseVersion, &m.ResponseError, &m.RipeError, &m.Settings)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) loadDN(ctx context.Context, id int64) (*DNMeasurement, error) {
	m := &DNMeasurement{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_m_dn, status, server, created_at_time, id_nts, id_vs, id_ripe,
		        response_error, ripe_error, settings
		 FROM full_ntp_measurement_dn WHERE id_m_dn = $1`, id).Scan(
		&m.ID, &m.Status, &m.Server, &m.CreatedAt, &m.NTSID, &m.VersionsID, &m.RipeID,
		&m.ResponseError, &m.RipeError, &m.Settings)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) loadChildIDs(ctx context.Context, dnID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id_ip FROM dn_ip_link WHERE id_dn = $1 ORDER BY id_ip`, dnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) loadNTS(ctx context.Context, id *int64) (*NTSRecord, error) {
	if id == nil {
		return nil, nil
	}
	r := &NTSRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_nts, succeeded, host, measured_ip, measured_port, nts_data, kiss_code, analysis, measurement_version
		 FROM nts_measurement WHERE id_nts = $1`, *id).Scan(
		&r.ID, &r.Succeeded, &r.Host, &r.MeasuredIP, &r.MeasuredPort, &r.Data, &r.KissCode, &r.Analysis, &r.Version)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *Store) loadVersions(ctx context.Context, id *int64) (*VersionsSummary, error) {
	if id == nil {
		return nil, nil
	}
	vs := &VersionsSummary{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_vs, id_v4_1, id_v4_2, id_v4_3, id_v4_4, id_v5,
		        ntpv1_supported_conf, ntpv1_response_version, analysis_v1,
		        ntpv2_supported_conf, ntpv2_response_version, analysis_v2,
		        ntpv3_supported_conf, ntpv3_response_version, analysis_v3,
		        ntpv4_supported_conf, ntpv4_response_version, analysis_v4,
		        ntpv5_supported_conf, ntpv5_response_version, analysis_v5
		 FROM ntp_versions WHERE id_vs = $1`, *id).Scan(
		&vs.ID,
		&vs.Slots[0].RecordID, &vs.Slots[1].RecordID, &vs.Slots[2].RecordID, &vs.Slots[3].RecordID, &vs.Slots[4].RecordID,
		&vs.Slots[0].Confidence, &vs.Slots[0].ResponseVersion, &vs.Slots[0].Analysis,
		&vs.Slots[1].Confidence, &vs.Slots[1].ResponseVersion, &vs.Slots[1].Analysis,
		&vs.Slots[2].Confidence, &vs.Slots[2].ResponseVersion, &vs.Slots[2].Analysis,
		&vs.Slots[3].Confidence, &vs.Slots[3].ResponseVersion, &vs.Slots[3].Analysis,
		&vs.Slots[4].Confidence, &vs.Slots[4].ResponseVersion, &vs.Slots[4].Analysis)
	if err != nil {
		return nil, notFound(err)
	}
	return vs, nil
}

func (s *Store) loadNTPv4(ctx context.Context, id int64) (*NTPv4Record, error) {
	r := &NTPv4Record{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_v, ntpv_data FROM ntpv4_measurement WHERE id_v = $1`, id).Scan(&r.ID, &r.Data)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *Store) loadNTPv5(ctx context.Context, id int64) (*NTPv5Record, error) {
	r := &NTPv5Record{}
	err := s.pool.QueryRow(ctx,
		`SELECT id_v5, draft_name, ntpv5_data, analysis FROM ntpv5_measurement WHERE id_v5 = $1`, id).Scan(
		&r.ID, &r.DraftName, &r.Data, &r.Analysis)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// loadRecordView resolves one record id to its rendered view per class.
func (s *Store) loadRecordView(ctx context.Context, class string, id int64) (map[string]any, error) {
	if class == ClassNTPv5 {
		r, err := s.loadNTPv5(ctx, id)
		if err != nil {
			return nil, err
		}
		return ntpv5View(r), nil
	}
	r, err := s.loadNTPv4(ctx, id)
	if err != nil {
		return nil, err
	}
	return ntpv4View(r), nil
}

func (s *Store) loadVersionsRecords(ctx context.Context, vs *VersionsSummary) ([5]map[string]any, error) {
	var records [5]map[string]any
	if vs == nil {
		return records, nil
	}
	for i, slot := range vs.Slots {
		if slot.RecordID == nil {
			continue
		}
		view, err := s.loadRecordView(ctx, slotClass(i, slot.ResponseVersion), *slot.RecordID)
		if err != nil {
			return records, err
		}
		records[i] = view
	}
	return records, nil
}

// --- public views ---

// FullIPViewByID assembles the full view of a standalone or child ip
// measurement.
func (s *Store) FullIPViewByID(ctx context.Context, id int64) (map[string]any, error) {
	m, err := s.loadIP(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.assembleFullIP(ctx, m)
}

func (s *Store) assembleFullIP(ctx context.Context, m *IPMeasurement) (map[string]any, error) {
	var main map[string]any
	if m.MainID != nil && m.ResponseVersion != nil {
		var err error
		if main, err = s.loadRecordView(ctx, *m.ResponseVersion, *m.MainID); err != nil {
			return nil, err
		}
	}
	nts, err := s.loadNTS(ctx, m.NTSID)
	if err != nil {
		return nil, err
	}
	vs, err := s.loadVersions(ctx, m.VersionsID)
	if err != nil {
		return nil, err
	}
	records, err := s.loadVersionsRecords(ctx, vs)
	if err != nil {
		return nil, err
	}
	return fullIPView(m, main, nts, versionsView(vs, records)), nil
}

// FullDNViewByID assembles the full view of a dn measurement with every
// child inlined in link order.
func (s *Store) FullDNViewByID(ctx context.Context, id int64) (map[string]any, error) {
	m, err := s.loadDN(ctx, id)
	if err != nil {
		return nil, err
	}
	nts, err := s.loadNTS(ctx, m.NTSID)
	if err != nil {
		return nil, err
	}
	vs, err := s.loadVersions(ctx, m.VersionsID)
	if err != nil {
		return nil, err
	}
	records, err := s.loadVersionsRecords(ctx, vs)
	if err != nil {
		return nil, err
	}

	childIDs, err := s.loadChildIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	children := make([]map[string]any, 0, len(childIDs))
	for _, childID := range childIDs {
		child, err := s.FullIPViewByID(ctx, childID)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return fullDNView(m, nts, versionsView(vs, records), children), nil
}

// PartialIPViewByID assembles the ids-only view of an ip measurement.
func (s *Store) PartialIPViewByID(ctx context.Context, id int64) (map[string]any, error) {
	m, err := s.loadIP(ctx, id)
	if err != nil {
		return nil, err
	}
	return partialIPView(m, false), nil
}

// PartialDNViewByID assembles the ids-only view of a dn measurement.
func (s *Store) PartialDNViewByID(ctx context.Context, id int64) (map[string]any, error) {
	m, err := s.loadDN(ctx, id)
	if err != nil {
		return nil, err
	}
	childIDs, err := s.loadChildIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	children := make([]map[string]any, 0, len(childIDs))
	for _, childID := range childIDs {
		child, err := s.loadIP(ctx, childID)
		if err != nil {
			return nil, err
		}
		children = append(children, partialIPView(child, true))
	}
	return partialDNView(m, children), nil
}

// VersionsViewByID assembles a VersionsSummary view by its own id.
func (s *Store) VersionsViewByID(ctx context.Context, id int64) (map[string]any, error) {
	vs, err := s.loadVersions(ctx, &id)
	if err != nil {
		return nil, err
	}
	records, err := s.loadVersionsRecords(ctx, vs)
	if err != nil {
		return nil, err
	}
	return versionsView(vs, records), nil
}
