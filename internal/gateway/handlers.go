package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/NTPinfo/NTPinfo/internal/orchestrator"
	"github.com/NTPinfo/NTPinfo/internal/probe"
	"github.com/NTPinfo/NTPinfo/internal/ripeatlas"
	"github.com/NTPinfo/NTPinfo/internal/store"
)

var measurementIDPattern = regexp.MustCompile(`^(ip|dn)(\d+)$`)

// triggerRequest is the composite-measurement payload: the settings plus
// the target itself.
type triggerRequest struct {
	orchestrator.Settings
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	target := sanitizeServer(req.Server)
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "Either 'ip' or 'dn' must be provided")
		return
	}

	addr, err := clientIP(r, req.CustomClientIP)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client IP address is private or could not be determined")
		return
	}

	// A literal target pins the family regardless of what the request asked
	// for; resolution never happens for it.
	if ip, parseErr := netip.ParseAddr(target); parseErr == nil {
		if ip.Unmap().Is4() {
			req.WantedIPType = 4
		} else {
			req.WantedIPType = 6
		}
	}

	prefix, id, err := s.cfg.Trigger.Start(r.Context(), target, addr, &req.Settings)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":     fmt.Sprintf("%s%d", prefix, id),
		"status": string(store.StatusPending),
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.serveView(w, r, s.cfg.Store.FullIPViewByID, s.cfg.Store.FullDNViewByID)
}

func (s *Server) handlePartialResults(w http.ResponseWriter, r *http.Request) {
	s.serveView(w, r, s.cfg.Store.PartialIPViewByID, s.cfg.Store.PartialDNViewByID)
}

type viewLoader func(ctx context.Context, id int64) (map[string]any, error)

func (s *Server) serveView(w http.ResponseWriter, r *http.Request, ipView, dnView viewLoader) {

	kind, id, ok := parseMeasurementID(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Measurement id must look like ip<number> or dn<number>")
		return
	}

	load := ipView
	if kind == store.KindDN {
		load = dnView
	}
	view, err := load(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Measurement not found")
	case err != nil:
		s.log.Error("could not load measurement view", slog.String("id", chi.URLParam(r, "id")), slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "Could not load the measurement")
	default:
		s.writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleVersionsView(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "Versions id must be a positive number")
		return
	}
	view, err := s.cfg.Store.VersionsViewByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Versions summary not found")
	case err != nil:
		s.log.Error("could not load versions view", slog.Int64("id", id), slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "Could not load the versions summary")
	default:
		s.writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	family := 0
	switch chi.URLParam(r, "ipType") {
	case "4":
		family = 4
	case "6":
		family = 6
	default:
		s.writeError(w, http.StatusBadRequest, "ip_type must be 4 or 6")
		return
	}
	if s.cfg.Geo == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Vantage point details are unavailable")
		return
	}
	vp, err := s.cfg.Geo.VantageDetails(family)
	if err != nil {
		s.log.Warn("vantage point lookup failed", slog.Int("family", family), slog.Any("error", err))
		s.writeError(w, http.StatusServiceUnavailable, "Vantage point details are unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"vantage_point_ip": vp.IP.String(),
		"vantage_point_location": map[string]any{
			"country_code": vp.CountryCode,
			"coordinates":  [2]float64{vp.Latitude, vp.Longitude},
		},
	})
}

func (s *Server) handleNTS(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
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

	var (
		rec *probe.NTSRecord
		err error
	)
	if _, parseErr := netip.ParseAddr(target); parseErr == nil {
		rec, err = s.cfg.Prober.ProbeNTSOnIP(r.Context(), target)
	} else {
		rec, err = s.cfg.Prober.ProbeNTS(r.Context(), target, req.FamilyPreference())
	}
	if err != nil {
		if probe.IsUnavailable(err) {
			s.writeError(w, http.StatusServiceUnavailable, "NTS test could not be performed (binary tool not available).")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ntsView(rec))
}

func ntsView(rec *probe.NTSRecord) map[string]any {
	view := map[string]any{
		"succeeded":            rec.Succeeded,
		"wrong_family":         rec.WrongFamily,
		"host":                 rec.Host,
		"measured_server_ip":   rec.MeasuredIP,
		"measured_server_port": rec.MeasuredPort,
		"version":              rec.Version,
		"kiss_code":            rec.KissCode,
		"different_ip":         rec.DifferentIP,
		"data":                 rec.Data,
	}
	if rec.Message != "" {
		view["message"] = rec.Message
	}
	return view
}

func (s *Server) handleRipeTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
		return
	}
	target := sanitizeServer(req.Server)
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "Either 'ip' or 'dn' must be provided")
		return
	}
	if s.cfg.Ripe == nil {
		s.writeError(w, http.StatusServiceUnavailable, "RIPE Atlas client is not configured")
		return
	}
	addr, err := clientIP(r, req.CustomClientIP)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client IP address is private or could not be determined")
		return
	}
	req.Normalize(s.cfg.DefaultVersion)

	mid, err := s.cfg.Ripe.CreateMeasurement(r.Context(), ripeatlas.ScheduleRequest{
		Target:        target,
		Family:        req.Family(),
		ClientIP:      addr,
		ProbesASN:     req.CustomProbesASN,
		ProbesCountry: req.CustomProbesCountry,
	})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := map[string]any{"measurement_id": mid}
	if s.cfg.Geo != nil {
		if vp, vpErr := s.cfg.Geo.VantageDetails(req.Family()); vpErr == nil {
			resp["vantage_point_ip"] = vp.IP.String()
			resp["vantage_point_location"] = map[string]any{
				"country_code": vp.CountryCode,
				"coordinates":  [2]float64{vp.Latitude, vp.Longitude},
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRipeResults(w http.ResponseWriter, r *http.Request) {
	mid, err := strconv.Atoi(chi.URLParam(r, "measurementID"))
	if err != nil || mid <= 0 {
		s.writeError(w, http.StatusBadRequest, "RIPE measurement id must be a positive number")
		return
	}
	if s.cfg.Ripe == nil {
		s.writeError(w, http.StatusServiceUnavailable, "RIPE Atlas client is not configured")
		return
	}

	results, state, err := s.cfg.Ripe.WaitForResults(r.Context(), mid)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"results": resultsOrEmpty(results),
			"status":  string(state),
		})
	case errors.Is(err, ripeatlas.ErrPollTimeout):
		status := http.StatusGatewayTimeout
		body := map[string]any{
			"results": resultsOrEmpty(results),
			"status":  "timeout",
			"message": "The measurement did not complete in time",
		}
		// Whatever arrived before the deadline is still worth serving.
		switch state {
		case ripeatlas.StatePartial:
			status = http.StatusPartialContent
			body["status"] = string(state)
			delete(body, "message")
		case ripeatlas.StatePending:
			status = http.StatusAccepted
			body["status"] = string(state)
			delete(body, "message")
		}
		s.writeJSON(w, status, body)
	default:
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"results": []ripeatlas.ProbeResult{},
			"status":  "error",
			"message": err.Error(),
		})
	}
}

func resultsOrEmpty(results []ripeatlas.ProbeResult) []ripeatlas.ProbeResult {
	if results == nil {
		return []ripeatlas.ProbeResult{}
	}
	return results
}

func parseMeasurementID(raw string) (store.Kind, int64, bool) {
	m := measurementIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, false
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	kind := store.KindIP
	if m[1] == "dn" {
		kind = store.KindDN
	}
	return kind, id, true
}

// sanitizeServer trims the target and strips control characters so it is
// safe to resolve, exec against and persist.
func sanitizeServer(server string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(server))
}
