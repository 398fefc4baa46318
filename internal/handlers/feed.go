package handlers

import (
	"net/http"
	"strconv"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/websocket"
)

const (
	defaultChangesLimit = 500
	maxChangesLimit     = 1000
)

// ChangesResponse is a page of the change journal. Next is the cursor for
// the following request.
type ChangesResponse struct {
	Changes []models.FeedMessage `json:"changes"`
	Next    uint64               `json:"next"`
}

// serveFeed upgrades to the WebSocket change feed.
func (r *Router) serveFeed(w http.ResponseWriter, req *http.Request) {
	websocket.ServeWs(r.hub, w, req)
}

// listChanges handles GET /api/changes?since=N&limit=M
func (r *Router) listChanges(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	var since uint64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			r.respondError(w, errors.Validationf("invalid since %q", s))
			return
		}
		since = v
	}

	limit := defaultChangesLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			r.respondError(w, errors.Validationf("invalid limit %q", s))
			return
		}
		limit = min(v, maxChangesLimit)
	}

	changes, err := r.records.ChangesSince(req.Context(), since, limit)
	if err != nil {
		r.respondError(w, err)
		return
	}

	resp := ChangesResponse{Changes: make([]models.FeedMessage, 0, len(changes)), Next: since}
	for _, c := range changes {
		resp.Changes = append(resp.Changes, c.FeedMessage())
		resp.Next = c.Seq
	}
	respondJSON(w, http.StatusOK, resp)
}
