package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"toosimpleq/internal/display"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/scheduler"
	logx "toosimpleq/pkg/logx"
)

const maxListLimit = 1000

// Requeuer re-enqueues a stored execution.
type Requeuer interface {
	Requeue(ctx context.Context, id int64) (storage.TaskExec, error)
}

// Schedules exposes the registered schedule definitions.
type Schedules interface {
	Snapshot() scheduler.Snapshot
	Lookup(name string) (scheduler.ScheduleInfo, bool)
}

// Handler holds the dependencies of the HTTP handlers. Requeuer, Schedules
// and Metrics may be nil; the matching routes then answer 404 or 501.
type Handler struct {
	Store     storage.Store
	Requeuer  Requeuer
	Schedules Schedules
	Metrics   http.Handler

	log logx.Logger
	now func() time.Time
}

func NewHandler(st storage.Store, rq Requeuer, sch Schedules, metrics http.Handler, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{Store: st, Requeuer: rq, Schedules: sch, Metrics: metrics, log: log, now: time.Now}
}

// TaskView is one execution with its display projection.
type TaskView struct {
	storage.TaskExec
	Display display.Row `json:"display"`
}

// ScheduleView merges a registered definition with its persisted state.
// Either side may be missing: a row left by a removed definition, or a
// definition not yet evaluated.
type ScheduleView struct {
	Name       string     `json:"name"`
	Spec       string     `json:"spec"`
	Kind       string     `json:"kind,omitempty"`
	Task       string     `json:"task,omitempty"`
	Next       *time.Time `json:"next,omitempty"`
	LastCheck  *time.Time `json:"last_check,omitempty"`
	LastRun    *int64     `json:"last_run,omitempty"`
	Icon       string     `json:"icon"`
	Registered bool       `json:"registered"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q, err := parseTaskQuery(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.Store.ListTasks(r.Context(), q)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	now := h.now()
	succ := h.successorLookup(r.Context(), rows)
	out := make([]TaskView, 0, len(rows))
	for _, te := range rows {
		out = append(out, TaskView{TaskExec: te, Display: display.TaskRow(te, now, succ)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out, "limit": q.Limit, "offset": q.Offset})
}

// successorLookup resolves replaced_by icons, reading rows outside the page
// only when needed.
func (h *Handler) successorLookup(ctx context.Context, page []storage.TaskExec) func(int64) (storage.State, bool) {
	known := make(map[int64]storage.State, len(page))
	for _, te := range page {
		known[te.ID] = te.State
	}
	return func(id int64) (storage.State, bool) {
		if st, ok := known[id]; ok {
			return st, true
		}
		te, err := h.Store.GetTask(ctx, id)
		if err != nil {
			return "", false
		}
		known[id] = te.State
		return te.State, true
	}
}

func parseTaskQuery(r *http.Request) (storage.TaskQuery, error) {
	v := r.URL.Query()
	q := storage.TaskQuery{
		Queues:  splitList(v["queue"]),
		Names:   splitList(v["task"]),
		OrderBy: "created",
		Desc:    true,
		Limit:   100,
	}
	for _, raw := range splitList(v["state"]) {
		st, err := storage.ParseState(raw)
		if err != nil {
			return q, err
		}
		q.States = append(q.States, st)
	}
	if order := strings.TrimSpace(v.Get("order")); order != "" {
		q.Desc = strings.HasPrefix(order, "-")
		q.OrderBy = strings.TrimPrefix(order, "-")
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			return q, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
		}
		q.Limit = n
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}

// splitList accepts both repeated parameters and comma separated values.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	te, err := h.Store.GetTask(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, TaskView{TaskExec: te, Display: display.TaskRow(te, h.now(), h.successorLookup(r.Context(), nil))})
}

func (h *Handler) requeueTask(w http.ResponseWriter, r *http.Request) {
	if h.Requeuer == nil {
		h.respondError(w, r, http.StatusNotImplemented, "requeue is not available")
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	te, err := h.Requeuer.Requeue(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%d", te.ID))
	respondJSON(w, http.StatusCreated, TaskView{TaskExec: te, Display: display.TaskRow(te, h.now(), nil)})
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.ListSchedules(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	byName := make(map[string]storage.ScheduleExec, len(rows))
	for _, se := range rows {
		byName[se.Name] = se
	}

	var out []ScheduleView
	seen := map[string]bool{}
	if h.Schedules != nil {
		for _, si := range h.Schedules.Snapshot().Schedules {
			se, ok := byName[si.Name]
			out = append(out, h.scheduleView(r.Context(), &si, seenRow(se, ok)))
			seen[si.Name] = true
		}
	}
	for _, se := range rows {
		if !seen[se.Name] {
			out = append(out, h.scheduleView(r.Context(), nil, &se))
		}
	}
	if out == nil {
		out = []ScheduleView{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func seenRow(se storage.ScheduleExec, ok bool) *storage.ScheduleExec {
	if !ok {
		return nil
	}
	return &se
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var si *scheduler.ScheduleInfo
	if h.Schedules != nil {
		if v, ok := h.Schedules.Lookup(name); ok {
			si = &v
		}
	}
	var se *storage.ScheduleExec
	row, err := h.Store.GetSchedule(r.Context(), name)
	switch {
	case err == nil:
		se = &row
	case !errors.Is(err, storage.ErrNotFound):
		h.respondErr(w, r, err)
		return
	}
	if si == nil && se == nil {
		h.respondError(w, r, http.StatusNotFound, fmt.Sprintf("schedule %q not found", name))
		return
	}
	respondJSON(w, http.StatusOK, h.scheduleView(r.Context(), si, se))
}

func (h *Handler) scheduleView(ctx context.Context, si *scheduler.ScheduleInfo, se *storage.ScheduleExec) ScheduleView {
	v := ScheduleView{Icon: "-"}
	if si != nil {
		next := si.Next
		v.Name, v.Spec, v.Kind, v.Task, v.Next = si.Name, si.Spec, si.Kind, si.Task, &next
		v.Registered = true
	}
	if se != nil {
		lc := se.LastCheck
		v.Name, v.LastCheck, v.LastRun = se.Name, &lc, se.LastRun
		if v.Spec == "" {
			v.Spec = se.Cron
		}
		if se.LastRun != nil {
			if te, err := h.Store.GetTask(ctx, *se.LastRun); err == nil {
				v.Icon = display.TaskIcon(te)
			}
		}
	}
	return v
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", logx.Err(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
