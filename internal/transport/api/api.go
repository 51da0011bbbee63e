// Package api serves the read-only REST view of the parkour engine and the
// loopback-only operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"vexa.gg/parkour/internal/logging"
	"vexa.gg/parkour/internal/parkour/engine"
	"vexa.gg/parkour/internal/parkour/progress"
	plog "vexa.gg/parkour/internal/persistence/log"
	"vexa.gg/parkour/internal/protocol"
)

// codePlayerNotFound is REST-only; websocket clients always address
// themselves.
const codePlayerNotFound = "E_PLAYER_NOT_FOUND"

type Auditor interface {
	WriteAudit(plog.AuditEntry) error
}

type Options struct {
	Log *logrus.Entry
	// Loader backs POST /admin/v1/reload.
	Loader progress.Loader
	// CatalogPath backs POST /admin/v1/catalog/reload.
	CatalogPath string
	// Snapshot writes a snapshot now and returns its path.
	Snapshot func(ctx context.Context) (string, error)
	// Stats is embedded in GET /admin/v1/state.
	Stats          func() any
	Audit          Auditor
	EnableAdmin    bool
	AllowedOrigins []string
	Now            func() time.Time
}

type API struct {
	eng  *engine.Engine
	opts Options
	log  *logrus.Entry
}

func New(eng *engine.Engine, opts Options) *API {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &API{eng: eng, opts: opts, log: opts.Log}
}

// Handler returns the routed handler. Cross-origin access is granted to GET
// only.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "catalog_version": a.eng.Catalog.Version()})
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/maps", a.listMaps).Methods(http.MethodGet)
	v1.HandleFunc("/maps/{id}/leaderboard", a.mapBoard).Methods(http.MethodGet)
	v1.HandleFunc("/medals", a.medalBoard).Methods(http.MethodGet)
	v1.HandleFunc("/players/{id}", a.player).Methods(http.MethodGet)
	v1.HandleFunc("/population", a.population).Methods(http.MethodGet)

	if a.opts.EnableAdmin {
		a.adminRoutes(r.PathPrefix("/admin/v1").Subrouter())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: a.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (a *API) listMaps(w http.ResponseWriter, r *http.Request) {
	maps := a.eng.Maps()
	if maps == nil {
		maps = []engine.MapSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"catalog_version": a.eng.Catalog.Version(),
		"maps":            maps,
	})
}

func (a *API) mapBoard(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := a.eng.MapBoard(mux.Vars(r)["id"], page, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) medalBoard(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.eng.MedalBoard(page, r.URL.Query().Get("q")))
}

func (a *API) player(w http.ResponseWriter, r *http.Request) {
	id, ok := a.resolvePlayer(mux.Vars(r)["id"])
	if !ok {
		writeCode(w, http.StatusNotFound, codePlayerNotFound, "unknown player")
		return
	}
	v, err := a.eng.Player(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// resolvePlayer accepts a uuid or, failing that, an exact case-folded name.
func (a *API) resolvePlayer(ref string) (uuid.UUID, bool) {
	if id, err := protocol.ParsePlayerID(ref); err == nil {
		return id, true
	}
	return a.eng.Progress.PlayerIDByName(ref)
}

func (a *API) population(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := protocol.ParseAmount(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		h = min(h, int64(a.eng.Tuning.SampleRetention()/time.Hour))
		window = time.Duration(h) * time.Hour
	}
	writeJSON(w, http.StatusOK, a.eng.PopulationGraph(window))
}

func pageParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, nil
	}
	n, err := protocol.ParseAmount(raw)
	if err != nil {
		return 0, err
	}
	return int(min(n, math.MaxInt32)), nil
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrInvalidUUIDCode, protocol.ErrInvalidAmountCode:
		return http.StatusBadRequest
	case protocol.ErrMapNotFound:
		return http.StatusNotFound
	case protocol.ErrMapInactive, protocol.ErrMapNoStart, protocol.ErrNoActiveRun, protocol.ErrCheckpointsMissing:
		return http.StatusConflict
	case protocol.ErrPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if engine.IsUnknownPlayer(err) {
		writeCode(w, http.StatusNotFound, codePlayerNotFound, err.Error())
		return
	}
	code := protocol.CodeFor(err)
	writeCode(w, statusFor(code), code, err.Error())
}

func writeCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(protocol.ErrMalformed, err)
	}
	return nil
}
