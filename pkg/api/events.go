package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/record"
)

// Events streams every version of a deployment record as server-sent events, and ends
// the stream after the terminal version.
func (h *DeploymentHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, &DeploymentResponse{Message: "streaming unsupported"})
		return
	}

	ctx := r.Context()
	updates := make(chan *record.Record, 16)
	unsubscribe, err := h.Tracker.Subscribe(ctx, chi.URLParam(r, "id"), func(rec *record.Record) {
		select {
		case updates <- rec:
		case <-ctx.Done():
		}
	})
	if err != nil {
		writeJSON(w, errorStatus(err), &DeploymentResponse{Message: err.Error()})
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-updates:
			data, err := json.Marshal(rec)
			if err != nil {
				log.WithFields(rec.LogFields()).Errorf("encode event: %s", err)
				return
			}
			_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Version, rec.Status, data)
			if err != nil {
				return
			}
			flusher.Flush()
			if rec.Status.Terminal() {
				return
			}
		}
	}
}
