package httpapi

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/agent-hub/internal/intake"
	"github.com/joelkehle/agent-hub/internal/queue"
	"github.com/joelkehle/agent-hub/internal/report"
)

type Config struct {
	// SharedSecret enables HMAC-SHA256 verification of ingest payloads via
	// the X-Hub-Signature header. Empty means unauthenticated ingest.
	SharedSecret string
	Clock        func() time.Time
}

type Server struct {
	cfg    Config
	store  queue.API
	intake *intake.Intake
}

func NewServer(cfg Config, store queue.API, in *intake.Intake) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{cfg: cfg, store: store, intake: in}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/entries/", s.handleEntry)
	mux.HandleFunc("/v1/queue/stats", s.handleStats)
	mux.HandleFunc("/v1/dead", s.handleListDead)
	mux.HandleFunc("/v1/dead/", s.handleDeadResubmit)
	mux.HandleFunc("/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/v1/deadletters/", s.handleDeadLetterResubmit)
	mux.HandleFunc("/v1/deadletters/report", s.handleDeadLetterReport)
	mux.HandleFunc("/v1/observe", s.handleObserve)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeQueueError(w http.ResponseWriter, err error) {
	var qe *queue.Error
	if errors.As(err, &qe) {
		writeJSON(w, qe.Status, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      qe.Code,
				"message":   qe.Message,
				"transient": qe.Transient,
			},
		})
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      queue.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func parseWaitSeconds(value string) time.Duration {
	if strings.TrimSpace(value) == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	if v < 0 {
		v = 0
	}
	return time.Duration(v) * time.Second
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) verifySignature(signature string, payload []byte) error {
	if s.cfg.SharedSecret == "" {
		return nil
	}
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return &queue.Error{Code: queue.CodeValidation, Message: "X-Hub-Signature required", Status: 401}
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	provided, decErr := hex.DecodeString(strings.ToLower(sig))
	if decErr != nil {
		return &queue.Error{Code: queue.CodeValidation, Message: "invalid signature encoding", Status: 401}
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.SharedSecret))
	_, _ = mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return &queue.Error{Code: queue.CodeValidation, Message: "invalid signature", Status: 401}
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if err := s.verifySignature(r.Header.Get("X-Hub-Signature"), blob); err != nil {
		writeQueueError(w, err)
		return
	}

	res, err := s.intake.Ingest(r.Context(), blob)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	switch res.Disposition {
	case intake.DispositionEnqueued:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ok":          true,
			"disposition": res.Disposition,
			"envelope_id": res.EnvelopeID,
		})
	case intake.DispositionDuplicate:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"disposition": res.Disposition,
			"envelope_id": res.EnvelopeID,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":             false,
			"disposition":    res.Disposition,
			"dead_letter_id": res.DeadLetterID,
			"reason":         res.Reason,
		})
	}
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/entries/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entry, err := s.store.Get(id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"entry": entry})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.store.Stats())
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{"dead": s.store.ListDead()})
}

// handleDeadResubmit clones a dead entry back into the queue under a fresh id.
func (s *Server) handleDeadResubmit(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/dead/")
	id := strings.Trim(strings.TrimSuffix(path, "resubmit"), "/")
	if id == "" || !strings.HasSuffix(path, "resubmit") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entry, err := s.store.Resubmit(id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":          true,
		"envelope_id": entry.ID(),
		"resubmitted": id,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{"dead_letters": s.store.ListDeadLetters()})
}

// handleDeadLetterResubmit re-ingests a dead letter's raw payload. This only
// helps when the validator configuration changed since the payload was
// recorded; otherwise it produces a fresh dead letter, which the response
// makes visible.
func (s *Server) handleDeadLetterResubmit(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/deadletters/")
	id := strings.Trim(strings.TrimSuffix(path, "resubmit"), "/")
	if id == "" || !strings.HasSuffix(path, "resubmit") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var found *queue.DeadLetter
	for _, dl := range s.store.ListDeadLetters() {
		if dl.ID == id {
			found = &dl
			break
		}
	}
	if found == nil {
		writeQueueError(w, &queue.Error{Code: queue.CodeNotFound, Message: "dead letter " + id + " not found", Status: 404})
		return
	}

	res, err := s.intake.Ingest(r.Context(), found.RawPayload)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":             res.Disposition != intake.DispositionDeadLetter,
		"disposition":    res.Disposition,
		"envelope_id":    res.EnvelopeID,
		"dead_letter_id": res.DeadLetterID,
		"reason":         res.Reason,
	})
}

func (s *Server) handleDeadLetterReport(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	md := report.BuildMarkdown(s.store.Stats(), s.store.ListDead(), s.store.ListDeadLetters(), s.cfg.Clock())
	if strings.Contains(r.Header.Get("Accept"), "text/markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}
	html, err := report.RenderHTML(md)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

func parseObserveCursor(r *http.Request) int64 {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor == "" {
		cursor = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if cursor == "" {
		return 0
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeQueueError(w, queue.NewInternalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cursor := parseObserveCursor(r)
	bw := bufio.NewWriter(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, last := s.store.ObserveSince(cursor, 1*time.Second)
		if len(events) == 0 {
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		for _, evt := range events {
			blob, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			if _, err := bw.WriteString(fmt.Sprintf("id: %d\n", evt.ID)); err != nil {
				return
			}
			if _, err := bw.WriteString(fmt.Sprintf("event: %s\n", evt.Type)); err != nil {
				return
			}
			if _, err := bw.WriteString("data: "); err != nil {
				return
			}
			if _, err := bw.Write(blob); err != nil {
				return
			}
			if _, err := bw.WriteString("\n\n"); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
		cursor = last
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":    true,
		"time":  s.cfg.Clock().UTC(),
		"stats": s.store.Stats(),
	})
}
