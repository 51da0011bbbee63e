package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	plog "vexa.gg/parkour/internal/persistence/log"
	"vexa.gg/parkour/internal/protocol"
)

var validate = validator.New()

func (a *API) adminRoutes(r *mux.Router) {
	r.Use(loopbackOnly)
	r.HandleFunc("/state", a.adminState).Methods(http.MethodGet)
	r.HandleFunc("/reload", a.adminReload).Methods(http.MethodPost)
	r.HandleFunc("/snapshot", a.adminSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/catalog/reload", a.adminCatalogReload).Methods(http.MethodPost)
	r.HandleFunc("/players/{id}/rank", a.adminSetRank).Methods(http.MethodPost)
	r.HandleFunc("/players/{id}/playtime", a.adminAddPlaytime).Methods(http.MethodPost)
	r.HandleFunc("/players/{id}/progress", a.adminClearProgress).Methods(http.MethodDelete)
	r.HandleFunc("/players/{id}/progress/{map}", a.adminClearMapProgress).Methods(http.MethodDelete)
	r.HandleFunc("/maps/{id}/progress", a.adminPurgeMap).Methods(http.MethodDelete)
	r.HandleFunc("/population", a.adminClearPopulation).Methods(http.MethodDelete)
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (a *API) audit(r *http.Request, action string, playerID uuid.UUID, mapID string, detail any) {
	e := plog.AuditEntry{
		At:     a.opts.Now().UTC(),
		Action: action,
		MapID:  mapID,
		Detail: detail,
		Remote: r.RemoteAddr,
	}
	if playerID != uuid.Nil {
		e.PlayerID = playerID.String()
	}
	a.log.WithFields(logrus.Fields{"action": action, "player": e.PlayerID, "map": mapID}).Info("admin action")
	if a.opts.Audit == nil {
		return
	}
	if err := a.opts.Audit.WriteAudit(e); err != nil {
		a.log.WithError(err).Warn("audit write failed")
	}
}

func (a *API) adminState(w http.ResponseWriter, r *http.Request) {
	catVersion, catDigest := a.eng.Catalog.Stamp()
	resp := map[string]any{
		"catalog_version":  catVersion,
		"catalog_digest":   catDigest,
		"progress_version": a.eng.Progress.Version(),
		"players":          len(a.eng.Progress.PlayerIDs()),
		"online":           a.eng.OnlineCount(),
		"active_runs":      a.eng.Runs.ActiveCount(),
		"samples":          a.eng.Population.Len(),
	}
	if a.opts.Stats != nil {
		resp["stats"] = a.opts.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) adminReload(w http.ResponseWriter, r *http.Request) {
	if a.opts.Loader == nil {
		writeCode(w, http.StatusServiceUnavailable, protocol.ErrPersistence, "no progress source configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.eng.Progress.SyncLoad(ctx, a.opts.Loader); err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailed, err))
		return
	}
	a.audit(r, "reload", uuid.Nil, "", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "players": len(a.eng.Progress.PlayerIDs())})
}

func (a *API) adminSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.opts.Snapshot == nil {
		writeCode(w, http.StatusServiceUnavailable, protocol.ErrPersistence, "snapshots disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	path, err := a.opts.Snapshot(ctx)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailed, err))
		return
	}
	a.audit(r, "snapshot", uuid.Nil, "", map[string]string{"path": path})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (a *API) adminCatalogReload(w http.ResponseWriter, r *http.Request) {
	if a.opts.CatalogPath == "" {
		writeCode(w, http.StatusServiceUnavailable, protocol.ErrInternal, "no catalog path configured")
		return
	}
	if err := a.eng.ReloadCatalog(a.opts.CatalogPath); err != nil {
		writeCode(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	version, digest := a.eng.Catalog.Stamp()
	a.audit(r, "catalog_reload", uuid.Nil, "", map[string]any{"version": version, "digest": digest})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": version,
		"digest":  digest,
	})
}

type rankRequest struct {
	Name    string `json:"name" validate:"omitempty,max=64"`
	VIP     *bool  `json:"vip" validate:"required"`
	Founder *bool  `json:"founder" validate:"required"`
}

func (a *API) adminSetRank(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParsePlayerID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req rankRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeCode(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	changed := a.eng.Progress.SetPlayerRank(id, req.Name, *req.VIP, *req.Founder)
	a.audit(r, "set_rank", id, "", req)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"changed": changed,
		"vip":     a.eng.Progress.IsVIP(id),
		"founder": a.eng.Progress.IsFounder(id),
	})
}

func (a *API) adminAddPlaytime(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParsePlayerID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := protocol.ParseAmount(r.URL.Query().Get("ms"))
	if err != nil {
		writeError(w, err)
		return
	}
	a.eng.Progress.AddPlaytime(id, ms)
	a.audit(r, "add_playtime", id, "", map[string]int64{"ms": ms})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "playtime_ms": a.eng.Progress.PlaytimeMs(id)})
}

func (a *API) adminClearProgress(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParsePlayerID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	a.eng.Runs.AbandonRun(id)
	removed := a.eng.Progress.ClearProgress(id)
	a.audit(r, "clear_progress", id, "", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (a *API) adminClearMapProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := protocol.ParsePlayerID(vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	mapID := vars["map"]
	removed := a.eng.Progress.ClearPlayerMapProgress(id, mapID)
	a.audit(r, "clear_map_progress", id, mapID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"removed": removed,
		"xp":      a.eng.Progress.CalculatedCompletionXP(id),
	})
}

func (a *API) adminPurgeMap(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["id"]
	res := a.eng.Progress.PurgeMapProgress(mapID)
	a.audit(r, "purge_map", uuid.Nil, mapID, res)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (a *API) adminClearPopulation(w http.ResponseWriter, r *http.Request) {
	a.eng.Population.ClearAll()
	a.audit(r, "clear_population", uuid.Nil, "", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
