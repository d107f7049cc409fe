package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/NTPinfo/NTPinfo/internal/ntptime"
	"github.com/NTPinfo/NTPinfo/internal/orchestrator"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/store"
	"github.com/NTPinfo/NTPinfo/internal/versions"
)

const errNotReachable = "Could not perform measurement, dns or ip not reachable."

// measureRequest is the synchronous-path payload.
type measureRequest struct {
	orchestrator.Settings
	// JitterFlag asks for extra probes and a jitter figure.
	JitterFlag bool `json:"jitter_flag"`
	// MeasurementsNo is the total probe count for jitter; the configured
	// maximum caps it.
	MeasurementsNo int `json:"measurements_no"`
}

// handleMeasure performs one NTP measurement right now, stores it, and
// returns it with an optional jitter figure.
func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req measureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	target := sanitizeServer(req.Server)
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "Either 'ip' or 'dn' must be provided")
		return
	}
	req.Normalize(s.cfg.DefaultVersion)
	if err := req.Settings.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	serverName := ""
	var otherIPs []string
	addr, err := netip.ParseAddr(target)
	if err != nil {
		serverName = target
		network := "ip4"
		if req.Family() == 6 {
			network = "ip6"
		}
		addrs, resolveErr := s.resolver.LookupNetIP(r.Context(), network, target)
		if resolveErr != nil || len(addrs) == 0 {
			s.writeError(w, http.StatusInternalServerError, errNotReachable)
			return
		}
		addr = addrs[0].Unmap()
		for _, other := range addrs[1:] {
			otherIPs = append(otherIPs, other.Unmap().String())
		}
	} else {
		addr = addr.Unmap()
	}

	sm, err := s.measureOnce(r.Context(), addr, serverName, &req.Settings)
	if err != nil {
		s.log.Info("synchronous measurement failed", slog.String("target", target), slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, errNotReachable)
		return
	}

	var jitter *float64
	if req.JitterFlag {
		j := s.jitterBurst(r.Context(), addr, serverName, &req.Settings, sm.Offset, req.MeasurementsNo)
		jitter = &j
	}

	view := simpleView(sm)
	view["other_server_ips"] = otherIPs
	view["jitter"] = jitter
	s.writeJSON(w, http.StatusOK, map[string]any{"measurement": view})
}

// measureOnce probes one address and persists the result. A store failure
// only costs the history entry, not the response.
func (s *Server) measureOnce(ctx context.Context, addr netip.Addr, serverName string, settings *orchestrator.Settings) (*store.SimpleMeasurement, error) {
	_, rec, err := s.cfg.Prober.ProbeNTP(ctx, addr.String(), settings.RequestedVersion(), settings.NTPv5Draft)
	if err != nil {
		return nil, err
	}

	sm := s.simpleFromRecord(rec, addr, serverName, settings.RequestedVersion())
	if _, insErr := s.cfg.Store.InsertSimpleMeasurement(ctx, sm); insErr != nil {
		s.log.Warn("could not store simple measurement", slog.String("server", addr.String()), slog.Any("error", insErr))
	}
	return sm, nil
}

// jitterBurst takes extra probes against the same address and computes the
// offset spread. Probes that fail are skipped; the first offset anchors the
// series.
func (s *Server) jitterBurst(ctx context.Context, addr netip.Addr, serverName string, settings *orchestrator.Settings, firstOffset float64, wanted int) float64 {
	if wanted < 1 || wanted > s.cfg.JitterMeasurements {
		wanted = s.cfg.JitterMeasurements
	}

	offsets := []float64{firstOffset}
	for i := 1; i < wanted; i++ {
		sm, err := s.measureOnce(ctx, addr, serverName, settings)
		if err != nil {
			continue
		}
		offsets = append(offsets, sm.Offset)
	}
	return ntptime.Jitter(offsets)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	server := sanitizeServer(r.URL.Query().Get("server"))
	if server == "" {
		s.writeError(w, http.StatusBadRequest, "Either 'ip' or 'domain name' must be provided")
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "'start' must be an RFC 3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "'end' must be an RFC 3339 timestamp")
		return
	}
	if !start.Before(end) {
		s.writeError(w, http.StatusBadRequest, "'start' must be earlier than 'end'")
		return
	}
	if end.After(s.clock.Now()) {
		s.writeError(w, http.StatusBadRequest, "'end' cannot be in the future")
		return
	}

	var rows []*store.SimpleMeasurement
	if addr, parseErr := netip.ParseAddr(server); parseErr == nil {
		rows, err = s.cfg.Store.HistoryByIP(r.Context(), addr.Unmap().String(), start, end)
	} else {
		rows, err = s.cfg.Store.HistoryByName(r.Context(), server, start, end)
	}
	if err != nil {
		s.log.Error("could not fetch measurement history", slog.String("server", server), slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "Could not fetch measurement history")
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, sm := range rows {
		out = append(out, simpleView(sm))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"measurements": out})
}

// simpleFromRecord maps the probe tool's record onto a simple-measurement
// row.
func (s *Server) simpleFromRecord(r probe.Record, addr netip.Addr, serverName string, requestedVersion int) *store.SimpleMeasurement {
	sm := &store.SimpleMeasurement{
		ServerIP:   addr.String(),
		ServerName: serverName,
		Version:    requestedVersion,
	}
	if s.cfg.VantagePointIP.IsValid() {
		sm.VantagePointIP = s.cfg.VantagePointIP.String()
	}
	if v, ok := r.Version(); ok {
		sm.Version = v
	}
	sm.Offset, _ = r.Float("offset")
	sm.RTT, _ = r.Float("rtt")
	sm.Stratum = r.Stratum()
	sm.Precision, _ = r.Float("precision")
	if v, ok := r.Int("poll"); ok {
		sm.Poll = int(v)
	}

	if v, ok := r.Float("root_delay"); ok {
		ts := ntptime.FromFloat(v)
		sm.RootDelay, sm.RootDelayPrec = ts.Seconds, ts.Fraction
	}
	if v, ok := r.Float("root_disp"); ok {
		ts := ntptime.FromFloat(v)
		sm.RootDispersion, sm.RootDispersionPrec = ts.Seconds, ts.Fraction
	}
	if ts, ok := r.Timestamp("ref_timestamp"); ok {
		sm.LastSyncTime, sm.LastSyncTimePrec = ts.Seconds, ts.Fraction
	}
	if ts, ok := r.Timestamp("client_sent_time"); ok {
		sm.ClientSent, sm.ClientSentPrec = ts.Seconds, ts.Fraction
	}
	if ts, ok := r.Timestamp("recv_timestamp"); ok {
		sm.ServerRecv, sm.ServerRecvPrec = ts.Seconds, ts.Fraction
	}
	if ts, ok := r.Timestamp("tx_timestamp"); ok {
		sm.ServerSent, sm.ServerSentPrec = ts.Seconds, ts.Fraction
	}
	if ts, ok := r.Timestamp("client_recv_time"); ok {
		sm.ClientRecv, sm.ClientRecvPrec = ts.Seconds, ts.Fraction
	}

	family := 6
	if addr.Is4() {
		family = 4
	}
	if raw, ok := r.Uint("ref_id"); ok {
		if translated, trErr := versions.TranslateRefID(uint32(raw), sm.Stratum, family); trErr == nil {
			if sm.Stratum <= 1 {
				sm.RefName = translated
			} else {
				sm.RefParentIP = translated
			}
		}
	}
	return sm
}

// simpleView renders one simple measurement the way both the live endpoint
// and the history endpoint present it.
func simpleView(sm *store.SimpleMeasurement) map[string]any {
	return map[string]any{
		"ntp_version":              sm.Version,
		"vantage_point_ip":         sm.VantagePointIP,
		"ntp_server_ip":            sm.ServerIP,
		"ntp_server_name":          sm.ServerName,
		"ntp_server_ref_parent_ip": sm.RefParentIP,
		"ref_name":                 sm.RefName,

		"client_sent_time": ntptime.Timestamp{Seconds: sm.ClientSent, Fraction: sm.ClientSentPrec},
		"server_recv_time": ntptime.Timestamp{Seconds: sm.ServerRecv, Fraction: sm.ServerRecvPrec},
		"server_sent_time": ntptime.Timestamp{Seconds: sm.ServerSent, Fraction: sm.ServerSentPrec},
		"client_recv_time": ntptime.Timestamp{Seconds: sm.ClientRecv, Fraction: sm.ClientRecvPrec},

		"offset":       sm.Offset,
		"delay":        sm.RTT,
		"stratum":      sm.Stratum,
		"precision":    sm.Precision,
		"reachability": sm.Reachability,

		"root_delay":         ntptime.Timestamp{Seconds: sm.RootDelay, Fraction: sm.RootDelayPrec},
		"root_dispersion":    ntptime.Timestamp{Seconds: sm.RootDispersion, Fraction: sm.RootDispersionPrec},
		"poll":               sm.Poll,
		"ntp_last_sync_time": ntptime.Timestamp{Seconds: sm.LastSyncTime, Fraction: sm.LastSyncTimePrec},
	}
}
