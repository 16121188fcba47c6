package service

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
)

type statusServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type statusResponse struct {
	Name      string          `json:"name,omitempty"`
	Variables []variableState `json:"variables"`
}

type variableState struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Unit       string      `json:"unit,omitempty"`
	Range      *rangeState `json:"range,omitempty"`
	CacheRange *rangeState `json:"cache_range,omitempty"`
	Samples    int         `json:"samples"`
	Stats      *data.Stats `json:"stats,omitempty"`
}

type rangeState struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type rangeChangeRequest struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	KeepCache *bool   `json:"keep_cache,omitempty"`
}

func newStatusServer(listen string, svc *Service, logger zerolog.Logger) (*statusServer, error) {
	mux := http.NewServeMux()
	server := &statusServer{logger: logger, service: svc}
	mux.HandleFunc("/", server.handleIndex)
	mux.HandleFunc("/api/state", server.handleState)
	mux.HandleFunc("/api/variables/", server.handleVariable)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("status server started")
	return server, nil
}

func (s *statusServer) addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *statusServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render status page")
	}
}

func (s *statusServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := statusResponse{
		Name:      s.service.cfg.Name,
		Variables: s.variableStates(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("encode state response")
	}
}

// handleVariable serves POST /api/variables/{id}/range with a JSON body
// carrying the new bounds.
func (s *statusServer) handleVariable(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/variables/")
	configID, action, found := strings.Cut(rest, "/")
	if !found || configID == "" {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "range":
		s.handleRangeChange(w, r, configID)
	case "abort":
		s.handleAbort(w, r, configID)
	default:
		http.NotFound(w, r)
	}
}

func (s *statusServer) handleRangeChange(w http.ResponseWriter, r *http.Request, configID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rangeChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	keepCache := true
	if req.KeepCache != nil {
		keepCache = *req.KeepCache
	}
	newRange := data.Range{Start: req.Start, End: req.End}
	if !newRange.Valid() {
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}
	if err := s.service.ApplyRange(configID, newRange, keepCache); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *statusServer) handleAbort(w http.ResponseWriter, r *http.Request, configID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.service.Abort(configID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *statusServer) variableStates() []variableState {
	svc := s.service
	svc.mu.RLock()
	ids := make(map[string]string, len(svc.variables))
	for configID, variableID := range svc.variables {
		ids[variableID.String()] = configID
	}
	svc.mu.RUnlock()

	states := make([]variableState, 0, len(ids))
	for _, v := range svc.controller.Variables() {
		configID, ok := ids[v.ID().String()]
		if !ok {
			continue
		}
		state := variableState{
			ID:         configID,
			Name:       v.Name(),
			Unit:       v.Unit(),
			Range:      toRangeState(v.Range()),
			CacheRange: toRangeState(v.CacheRange()),
		}
		if series := v.Series(); series.Len() > 0 {
			state.Samples = series.Len()
			stats := series.Stats()
			state.Stats = &stats
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

func toRangeState(rng data.Range) *rangeState {
	if !rng.Valid() {
		return nil
	}
	return &rangeState{Start: rng.Start, End: rng.End}
}

func (s *statusServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown status server")
	}
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>varsync status</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
table { border-collapse: collapse; background: #fff; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
th { background: #eee; }
</style>
</head>
<body>
<h1>varsync status</h1>
<table id="variables">
<thead><tr><th>ID</th><th>Name</th><th>Unit</th><th>Range</th><th>Cache</th><th>Samples</th><th>Mean</th></tr></thead>
<tbody></tbody>
</table>
<script>
function fmtRange(r) { return r ? '[' + r.start + ', ' + r.end + ']' : '-'; }
async function refresh() {
  const res = await fetch('/api/state');
  const state = await res.json();
  const body = document.querySelector('#variables tbody');
  body.innerHTML = '';
  for (const v of state.variables) {
    const row = document.createElement('tr');
    const mean = v.stats ? v.stats.Mean.toFixed(3) : '-';
    row.innerHTML = '<td>' + v.id + '</td><td>' + v.name + '</td><td>' + (v.unit || '') +
      '</td><td>' + fmtRange(v.range) + '</td><td>' + fmtRange(v.cache_range) +
      '</td><td>' + v.samples + '</td><td>' + mean + '</td>';
    body.appendChild(row);
  }
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`))
