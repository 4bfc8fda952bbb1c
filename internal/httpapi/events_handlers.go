package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"authmesh.org/internal/obs"
)

type commitRequest struct {
	Group  string `json:"group"`
	Offset int64  `json:"offset"`
}

func (a *API) eventPartition(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("partition"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// EventsMeta reports the partition count so consumers can size their
// poll loops.
func (a *API) EventsMeta(w http.ResponseWriter, r *http.Request) {
	n, err := a.log.Partitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"partitions": n})
}

// EventsPoll long-polls one partition for the next record past the group's
// committed offset. An empty window returns 204 and the consumer retries.
func (a *API) EventsPoll(w http.ResponseWriter, r *http.Request) {
	partition, ok := a.eventPartition(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid partition")
		return
	}
	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusBadRequest, "group is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.pollWindow)
	defer cancel()

	rec, err := a.log.Poll(ctx, group, partition)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// EventsCommit advances a group's committed offset for a partition.
func (a *API) EventsCommit(w http.ResponseWriter, r *http.Request) {
	partition, ok := a.eventPartition(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid partition")
		return
	}
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil || req.Group == "" || req.Offset <= 0 {
		writeError(w, http.StatusBadRequest, "invalid commit request")
		return
	}
	if err := a.log.Commit(r.Context(), req.Group, partition, req.Offset); err != nil {
		obs.Error("httpapi: commit", err, map[string]any{"partition": partition, "group": req.Group})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
