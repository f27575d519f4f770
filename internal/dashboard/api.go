package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taskdash/taskdash/internal/progress"
	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
	"github.com/taskdash/taskdash/internal/view"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /random", s.handleRandomRedirect)

	mux.HandleFunc("GET /api/records", s.handleListRecords)
	mux.HandleFunc("POST /api/records", s.handleAddRecord)
	mux.HandleFunc("GET /api/records/{id}", s.handleGetRecord)
	mux.HandleFunc("DELETE /api/records/{id}", s.handleRemoveRecord)
	mux.HandleFunc("GET /api/page", s.handlePage)

	mux.HandleFunc("POST /api/groups/{key}/done", s.handleGroupDone)
	mux.HandleFunc("POST /api/groups/{key}/rating", s.handleGroupRating)
	mux.HandleFunc("POST /api/clear", s.handleClear)

	mux.HandleFunc("GET /api/random", s.handleRandom)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("POST /api/save", s.handleSave)
}

// sessionFromQuery builds per-request view state: ?q=, ?unfinished=1, ?id=.
func sessionFromQuery(q url.Values) session.Session {
	sess := session.Session{
		Search:         q.Get("q"),
		UnfinishedOnly: truthy(q.Get("unfinished")),
	}
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		sess.SelectedID, sess.SingleView = id, true
	}
	return sess
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := view.HTMLData{
		Title:      s.title,
		Page:       s.ctrl.PageFor(sessionFromQuery(r.URL.Query())),
		Progress:   s.ctrl.Progress(),
		Ratings:    s.ctrl.Ratings(),
		Exportable: s.ctrl.CanExport(),
		LastError:  store.MessageOf(s.ctrl.LastError()),
	}

	var buf bytes.Buffer
	if err := view.WriteHTML(&buf, data); err != nil {
		s.logger.Printf("request %s: %v", RequestIDFromContext(r.Context()), err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.PageFor(sessionFromQuery(r.URL.Query())))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Records())
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.ctrl.Find(id)
	if !ok {
		s.writeError(w, r, store.NewError(store.CodeNotFound, "record %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type addRequest struct {
	FullCode string            `json:"full_code"`
	Fields   map[string]string `json:"fields"`
}

func (s *Server) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, store.WrapError(store.CodeInvalid, "invalid request body", err))
		return
	}
	id, err := s.ctrl.AddRecord(r.Context(), record.Record{GroupKey: req.FullCode, Fields: req.Fields})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RemoveRecord(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupDone(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.MarkGroupDone(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ratingRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleGroupRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, store.WrapError(store.CodeInvalid, "invalid request body", err))
		return
	}
	res, err := s.ctrl.RateGroup(r.Context(), r.PathValue("key"), req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, store.WrapError(store.CodeInvalid, "invalid request body", err))
		return
	}
	res, err := s.ctrl.ClearAll(r.Context(), req.Confirm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.PickRandomUnfinished()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRandomRedirect(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.PickRandomUnfinished()
	if err != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/?id="+url.QueryEscape(rec.ID), http.StatusSeeOther)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var opts []progress.Option
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.ParseInLocation(progress.DayLayout, v, s.ctrl.Location())
		if err != nil {
			s.writeError(w, r, store.WrapError(store.CodeInvalid, "since must be YYYY-MM-DD", err))
			return
		}
		opts = append(opts, progress.Since(since))
	}
	writeJSON(w, http.StatusOK, s.ctrl.Progress(opts...))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.ctrl.Export(r.Context(), &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="taskdash.db"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Persist(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code store.Code) int {
	switch code {
	case store.CodeMissingInput, store.CodeInvalid:
		return http.StatusBadRequest
	case store.CodeNotFound:
		return http.StatusNotFound
	case store.CodeBusy:
		return http.StatusConflict
	case store.CodeNotConfirmed:
		return http.StatusPreconditionRequired
	case store.CodeUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := store.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request %s: %s %s: %v", RequestIDFromContext(r.Context()), r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": store.MessageOf(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
