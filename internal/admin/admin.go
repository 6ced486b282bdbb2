// Package admin serves a peer's status, membership and scoreboard over HTTP.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vimeo/spellingbee"
	"github.com/vimeo/spellingbee/internal/telemetry"
	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/wire"
)

// Source is the part of a *spellingbee.Node the admin surface reads from.
type Source interface {
	Status() spellingbee.Status
	ResetMembers()
}

type statusResponse struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Leader        string `json:"leader"`
	ElectionRound int    `json:"electionRound"`
	Round         int    `json:"round"`
	Members       int    `json:"members"`
	Finished      bool   `json:"finished"`
}

type memberResponse struct {
	ID            string            `json:"id"`
	Addr          string            `json:"addr,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Status        membership.Status `json:"status"`
	Role          membership.Role   `json:"role"`
	Self          bool              `json:"self,omitempty"`
}

type scoreboardResponse struct {
	Final     bool              `json:"final"`
	NextRound int               `json:"nextRound"`
	Entries   []wire.ScoreEntry `json:"entries"`
}

type handler struct {
	src    Source
	logger *zap.Logger
}

// NewRouter builds the admin router. Every route is named so request
// metrics are labeled by operation.
func NewRouter(src Source, metrics *telemetry.Metrics, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{src: src, logger: logger}

	r := mux.NewRouter()
	r.Use(metrics.Instrument)
	r.Path("/healthz").Methods(http.MethodGet).HandlerFunc(h.healthz).Name("healthz")
	r.Path("/status").Methods(http.MethodGet).HandlerFunc(h.status).Name("status")
	r.Path("/members").Methods(http.MethodGet).HandlerFunc(h.members).Name("members")
	r.Path("/members/reset").Methods(http.MethodPost).HandlerFunc(h.resetMembers).Name("members_reset")
	r.Path("/scoreboard").Methods(http.MethodGet).HandlerFunc(h.scoreboard).Name("scoreboard")
	if metrics != nil {
		r.Path("/metrics").Methods(http.MethodGet).Handler(metrics.Handler()).Name("metrics")
	}
	return r
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write admin response", zap.Error(err))
	}
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	st := h.src.Status()
	h.writeJSON(w, statusResponse{
		ID:            st.ID,
		State:         st.State.String(),
		Leader:        st.Leader,
		ElectionRound: st.ElectionRound,
		Round:         st.Round,
		Members:       st.Members.Len(),
		Finished:      st.Finished,
	})
}

func (h *handler) members(w http.ResponseWriter, _ *http.Request) {
	st := h.src.Status()
	peers := st.Members.Peers()
	out := make([]memberResponse, 0, len(peers))
	for _, p := range peers {
		mr := memberResponse{
			ID:            p.ID,
			LastHeartbeat: p.LastHeartbeat,
			Status:        p.Status,
			Role:          p.Role,
			Self:          p.ID == st.Members.Self(),
		}
		if p.Addr != nil {
			mr.Addr = p.Addr.String()
		}
		out = append(out, mr)
	}
	h.writeJSON(w, out)
}

func (h *handler) resetMembers(w http.ResponseWriter, _ *http.Request) {
	h.logger.Info("membership reset requested over admin HTTP")
	h.src.ResetMembers()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) scoreboard(w http.ResponseWriter, _ *http.Request) {
	st := h.src.Status()
	resp := scoreboardResponse{
		Final:     st.Finished,
		NextRound: st.Standings.NextRound,
		Entries:   st.Standings.Entries,
	}
	if st.Finished {
		resp.Entries = st.Final
	}
	if resp.Entries == nil {
		resp.Entries = []wire.ScoreEntry{}
	}
	h.writeJSON(w, resp)
}
