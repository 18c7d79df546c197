package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/doctor"
	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/pairing"
	"github.com/treykane/ostm/internal/security"
)

const maxBody = 1 << 20

type envelope struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message"`
	Tunnel      any                  `json:"tunnel,omitempty"`
	Details     []model.TunnelResult `json:"details,omitempty"`
	Channels    model.ChannelTable   `json:"channels,omitempty"`
	NeedRestart *bool                `json:"needRestart,omitempty"`
	Check       *doctor.CheckReport  `json:"check,omitempty"`
}

// statusBody is the status response: the envelope fields plus the report,
// whose tunnels list is always present.
type statusBody struct {
	Success bool `json:"success"`
	model.StatusReport
}

type eventsBody struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Events  []events.Event `json:"events"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError reports err with the status code of its kind. body may carry
// partial results such as the failed tunnel row.
func (s *Server) writeError(w http.ResponseWriter, err error, body envelope) {
	status := security.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", security.Kind(err), "error", security.DebugMessage(err))
	} else {
		slog.Debug("request rejected", "kind", security.Kind(err), "error", security.DebugMessage(err))
	}
	body.Success = false
	body.Message = security.UserMessage(err, s.deps.RedactErrors)
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errors.NewNotValid(err, "request body")
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func (s *Server) single(op func(context.Context, string) (model.TunnelResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err, envelope{Tunnel: res})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: res.Success, Message: res.Message, Tunnel: res})
	}
}

// bulk reports per-tunnel failures inside details with a 200; only an
// error of the operation itself maps to an error status.
func (s *Server) bulk(op func(context.Context) (model.Summary, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := op(r.Context())
		if err != nil {
			s.writeError(w, err, envelope{Details: sum.Details})
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: sum.Success, Message: sum.Message, Details: sum.Details})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Supervisor.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	if rep.Tunnels == nil {
		rep.Tunnels = []model.TunnelStatus{}
	}
	writeJSON(w, http.StatusOK, statusBody{Success: true, StatusReport: rep})
}

func (s *Server) setBandwidth(w http.ResponseWriter, r *http.Request) {
	var bw model.Bandwidth
	if err := decode(r, &bw); err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	res, needRestart, err := s.deps.Supervisor.SetBandwidth(r.Context(), mux.Vars(r)["id"], bw)
	if err != nil {
		s.writeError(w, err, envelope{Tunnel: res})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success:     res.Success,
		Message:     res.Message,
		Tunnel:      res,
		NeedRestart: boolPtr(needRestart),
	})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Configs.Load(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	rep := s.deps.Prober.CheckTunnel(r.Context(), cfg)
	writeJSON(w, http.StatusOK, envelope{Success: rep.Success, Message: rep.Message, Check: &rep})
}

type channelRequest struct {
	Type string `json:"type"`
	model.ChannelSpec
}

func (s *Server) addChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	t, err := model.ParseForwardType(req.Type)
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	res, err := s.deps.Editor.AddChannel(r.Context(), mux.Vars(r)["id"], t, req.ChannelSpec)
	s.writeEdit(w, res, err)
}

func (s *Server) removeChannel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := model.ParseForwardType(vars["type"])
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		s.writeError(w, errors.NotValidf("port %q", vars["port"]), envelope{})
		return
	}
	res, err := s.deps.Editor.RemoveChannel(r.Context(), vars["id"], t, port)
	s.writeEdit(w, res, err)
}

// writeEdit reports a channel edit. The config is already persisted when
// only the restart failed, so the new table is returned with the error.
func (s *Server) writeEdit(w http.ResponseWriter, res forward.Result, err error) {
	if err != nil {
		s.writeError(w, err, envelope{Tunnel: tunnelOrNil(res.Tunnel), Channels: res.Channels})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success:     res.Tunnel.Success,
		Message:     res.Tunnel.Message,
		Tunnel:      res.Tunnel,
		Channels:    res.Channels,
		NeedRestart: boolPtr(res.NeedRestart),
	})
}

func tunnelOrNil(res model.TunnelResult) any {
	if res.ID == "" {
		return nil
	}
	return res
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) {
	var req pairing.PairRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	cfg, err := s.deps.Pairer.Pair(r.Context(), req)
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("paired %s with %s", cfg.ID, cfg.Target()),
		Tunnel: model.TunnelStatus{
			ID:         cfg.ID,
			State:      model.TunnelStopped,
			RemoteUser: cfg.RemoteUser,
			RemoteHost: cfg.RemoteHost,
			SSHPort:    cfg.SSHPort,
			Bandwidth:  cfg.Bandwidth,
			Channels:   cfg.Channels,
		},
	})
}

func (s *Server) unpair(w http.ResponseWriter, r *http.Request) {
	var req pairing.UnpairRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err, envelope{})
			return
		}
	}
	req.ID = mux.Vars(r)["id"]
	if err := s.deps.Pairer.Unpair(r.Context(), req); err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "unpaired " + req.ID})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	q := events.Query{
		TunnelID:  r.URL.Query().Get("tunnel"),
		EventType: r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.NotValidf("limit %q", raw), envelope{})
			return
		}
		q.Limit = n
	}
	evs, err := s.deps.Events.Read(q)
	if err != nil {
		s.writeError(w, err, envelope{})
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, eventsBody{
		Success: true,
		Message: fmt.Sprintf("%d events", len(evs)),
		Events:  evs,
	})
}
