package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/driver"
	"github.com/maxpert/sitesync/filesync"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/synchroniser"
	"github.com/rs/zerolog/log"
)

// Synchroniser is the part of the synchroniser exposed to operators
type Synchroniser interface {
	Status() synchroniser.Status
	Tables() map[string]synchroniser.TableStatus
	IsInitialised(ctx context.Context) (bool, error)
}

// Driver triggers sync cycles
type Driver interface {
	State() driver.State
	Trigger(req synchroniser.Request)
	TriggerAndWait(req synchroniser.Request) *future.Future[*synchroniser.Report]
}

// FileSync controls the attachment sidecar
type FileSync interface {
	Start()
	Stop()
	Pause()
	UnPause()
	Status() filesync.Status
}

// Processors reports changelog processor progress
type Processors interface {
	Positions() map[string]uint64
	Lags() map[string]uint64
	Catchup(ctx context.Context) error
}

// Options wires the admin surface to the running site. Files and
// Processors may be nil when the feature is disabled.
type Options struct {
	DB           *store.Store
	Buffer       *buffer.Buffer
	Cursors      *cursor.Store
	Synchroniser Synchroniser
	Driver       Driver
	Files        FileSync
	Processors   Processors
	Secret       string
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	opts Options
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(opts Options) *AdminHandlers {
	return &AdminHandlers{opts: opts}
}

type statusResponse struct {
	State       string                              `json:"state"`
	Initialised bool                                `json:"initialised"`
	Sync        synchroniser.Status                 `json:"sync"`
	Tables      map[string]synchroniser.TableStatus `json:"tables"`
	Buffer      bufferStats                         `json:"buffer"`
	Files       *filesync.Status                    `json:"files,omitempty"`
}

type bufferStats struct {
	Pending      int `json:"pending"`
	DeadLettered int `json:"dead_lettered"`
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	initialised, err := h.opts.Synchroniser.IsInitialised(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	pending, dead, err := h.opts.Buffer.Stats(r.Context(), h.opts.DB.ReadDB())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		State:       h.opts.Driver.State().String(),
		Initialised: initialised,
		Sync:        h.opts.Synchroniser.Status(),
		Tables:      h.opts.Synchroniser.Tables(),
		Buffer:      bufferStats{Pending: pending, DeadLettered: dead},
	}
	if h.opts.Files != nil {
		st := h.opts.Files.Status()
		resp.Files = &st
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req := parseRequest(r)
	h.opts.Driver.Trigger(req)
	log.Info().Strs("tables", req.Tables).Msg("Sync cycle requested")
	writeJSONResponse(w, http.StatusAccepted, map[string]any{"triggered": true, "tables": req.Tables})
}

// handleTriggerAndWait blocks until the cycle covering the request ends or
// the client goes away
func (h *AdminHandlers) handleTriggerAndWait(w http.ResponseWriter, r *http.Request) {
	report, err := awaitCycle(r.Context(), h.opts.Driver.TriggerAndWait(parseRequest(r)))
	if err != nil {
		writeCycleError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, report)
}

// awaitCycle waits for a cycle report, giving up when ctx ends
func awaitCycle(ctx context.Context, fut *future.Future[*synchroniser.Report]) (*synchroniser.Report, error) {
	type result struct {
		report *synchroniser.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := fut.Get()
		done <- result{report: report, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.report, res.err
	}
}

func writeCycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeErrorResponse(w, http.StatusServiceUnavailable, "request cancelled before the cycle finished")
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, err.Error())
}

type resetResponse struct {
	Direction  cursor.Direction  `json:"direction"`
	Generation cursor.Generation `json:"generation"`
	Cursors    int64             `json:"cursors"`
	Buffered   int64             `json:"buffered"`
}

// handleSyncReset forgets the protocol cursors of one direction and
// generation so the next cycle starts from the beginning. A pull reset also
// empties the staging buffer, since every record is pulled again.
func (h *AdminHandlers) handleSyncReset(w http.ResponseWriter, r *http.Request) {
	direction := cursor.Direction(r.URL.Query().Get("direction"))
	if direction == "" {
		direction = cursor.Pull
	}
	if direction != cursor.Pull && direction != cursor.Push {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown direction: %s", direction))
		return
	}

	generation := cursor.Generation(r.URL.Query().Get("generation"))
	if generation != cursor.Legacy && generation != cursor.Changelog {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown generation: %s", generation))
		return
	}

	if h.opts.Driver.State() == driver.Syncing {
		writeErrorResponse(w, http.StatusConflict, "a sync cycle is running")
		return
	}

	resp := resetResponse{Direction: direction, Generation: generation}
	err := h.opts.DB.Update(r.Context(), func(tx *store.Tx) error {
		var err error
		if resp.Cursors, err = h.opts.Cursors.Reset(r.Context(), tx, direction, generation); err != nil {
			return err
		}
		if direction == cursor.Pull {
			resp.Buffered, err = h.opts.Buffer.Truncate(r.Context(), tx)
		}
		return err
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Warn().
		Str("direction", string(direction)).
		Str("generation", string(generation)).
		Int64("cursors", resp.Cursors).
		Int64("buffered", resp.Buffered).
		Msg("Sync cursors reset")

	h.opts.Driver.Trigger(synchroniser.Request{})
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) handleFileSync(w http.ResponseWriter, r *http.Request, action string) {
	if h.opts.Files == nil {
		writeErrorResponse(w, http.StatusNotFound, "file sync is disabled")
		return
	}

	switch action {
	case "start":
		h.opts.Files.Start()
	case "stop":
		h.opts.Files.Stop()
	case "pause":
		h.opts.Files.Pause()
	case "unpause":
		h.opts.Files.UnPause()
	default:
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown file sync action: %s", action))
		return
	}

	log.Info().Str("action", action).Msg("File sync signalled")
	writeJSONResponse(w, http.StatusOK, h.opts.Files.Status())
}

func (h *AdminHandlers) handleBufferErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.opts.Buffer.Errors(r.Context(), h.opts.DB.ReadDB(), limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, records)
}

// handleBufferRequeue revives dead-lettered records and waits for the
// driver to run a cycle over them
func (h *AdminHandlers) handleBufferRequeue(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")

	requeued, err := h.opts.Buffer.Requeue(r.Context(), h.opts.DB.DB(), table)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("table", table).Int64("requeued", requeued).Msg("Requeued dead-lettered records")

	resp := map[string]any{"requeued": requeued}
	if requeued > 0 {
		var req synchroniser.Request
		if table != "" {
			req.Tables = []string{table}
		}
		report, err := awaitCycle(r.Context(), h.opts.Driver.TriggerAndWait(req))
		if err != nil {
			writeCycleError(w, err)
			return
		}
		resp["cycle"] = report
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) handleCursors(w http.ResponseWriter, r *http.Request) {
	entries, err := h.opts.Cursors.List(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, entries)
}

type processorStatus struct {
	Position uint64 `json:"position"`
	Lag      uint64 `json:"lag"`
}

func (h *AdminHandlers) handleProcessors(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.processorStatuses())
}

// handleProcessorsCatchup drains every processor on the request goroutine
// and reports where they stopped
func (h *AdminHandlers) handleProcessorsCatchup(w http.ResponseWriter, r *http.Request) {
	if h.opts.Processors == nil {
		writeErrorResponse(w, http.StatusNotFound, "no changelog processors")
		return
	}
	if err := h.opts.Processors.Catchup(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, h.processorStatuses())
}

func (h *AdminHandlers) processorStatuses() map[string]processorStatus {
	out := make(map[string]processorStatus)
	if h.opts.Processors != nil {
		lags := h.opts.Processors.Lags()
		for name, pos := range h.opts.Processors.Positions() {
			out[name] = processorStatus{Position: pos, Lag: lags[name]}
		}
	}
	return out
}

// parseRequest reads the comma separated tables filter
func parseRequest(r *http.Request) synchroniser.Request {
	var req synchroniser.Request
	for _, t := range strings.Split(r.URL.Query().Get("tables"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			req.Tables = append(req.Tables, t)
		}
	}
	return req
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
