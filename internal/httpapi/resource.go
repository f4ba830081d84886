package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"crudcore.org/internal/audit"
	"crudcore.org/internal/auth"
	"crudcore.org/internal/repo"
)

// Store is the slice of the repository engine a mounted resource consumes.
type Store[T any] interface {
	Get(ctx context.Context, id int64, includeDeleted bool, filters map[string]any) (T, error)
	List(ctx context.Context, p repo.Page, includeDeleted bool, filters map[string]any) (repo.Result[T], error)
	Search(ctx context.Context, term string, fields []string, p repo.Page) (repo.Result[T], error)
	Count(ctx context.Context, includeDeleted bool, filters map[string]any) (int, error)
	Create(ctx context.Context, data map[string]any) (T, error)
	CreateMany(ctx context.Context, items []map[string]any) ([]T, error)
	Update(ctx context.Context, id int64, data map[string]any) (T, error)
	BulkUpdate(ctx context.Context, items []map[string]any) ([]T, error)
	SoftDelete(ctx context.Context, id int64) (bool, error)
	Restore(ctx context.Context, id int64) (bool, error)
	ForceDelete(ctx context.Context, id int64) (bool, error)
	BulkDelete(ctx context.Context, ids []int64) (int, error)
	Logs(ctx context.Context, q audit.Query) (audit.Result, error)
}

// Resource mounts one collection under /v1/<name>. Name doubles as the
// permission resource the route table checks.
type Resource[T any] struct {
	Name    string
	AppName string
	Store   Store[T]
	// Prepare normalizes a write payload before it reaches the engine,
	// e.g. hashing passwords. Applied to create and update bodies.
	Prepare func(data map[string]any) error
}

// Route is one row of the table: the permission requirement sits next to
// the method and pattern, so the full authorization surface is greppable
// in one place.
type Route struct {
	Method   string
	Pattern  string
	Resource string
	AppName  string
	Actions  []auth.Action
}

// Mount registers the standard operation set for a resource.
func Mount[T any](a *API, res Resource[T]) {
	h := resourceHandlers[T]{api: a, res: res}
	base := "/v1/" + res.Name

	table := []struct {
		method  string
		pattern string
		actions []auth.Action
		fn      http.HandlerFunc
	}{
		{http.MethodGet, base, []auth.Action{auth.ActionRead}, h.list},
		{http.MethodPost, base, []auth.Action{auth.ActionCreate}, h.create},
		{http.MethodGet, base + "/count", []auth.Action{auth.ActionRead}, h.count},
		{http.MethodGet, base + "/search", []auth.Action{auth.ActionRead}, h.search},
		{http.MethodPost, base + "/bulk", []auth.Action{auth.ActionCreate}, h.createMany},
		{http.MethodPatch, base + "/bulk", []auth.Action{auth.ActionUpdate}, h.bulkUpdate},
		{http.MethodPost, base + "/bulk/delete", []auth.Action{auth.ActionDelete}, h.bulkDelete},
		{http.MethodGet, base + "/{id}", []auth.Action{auth.ActionRead}, h.get},
		{http.MethodPatch, base + "/{id}", []auth.Action{auth.ActionUpdate}, h.update},
		{http.MethodDelete, base + "/{id}", []auth.Action{auth.ActionDelete}, h.softDelete},
		{http.MethodPost, base + "/{id}/restore", []auth.Action{auth.ActionRestore}, h.restore},
		{http.MethodDelete, base + "/{id}/force", []auth.Action{auth.ActionForceDelete}, h.forceDelete},
		{http.MethodGet, base + "/{id}/logs", []auth.Action{auth.ActionLogs}, h.logs},
	}
	for _, row := range table {
		a.routes = append(a.routes, Route{
			Method:   row.method,
			Pattern:  row.pattern,
			Resource: res.Name,
			AppName:  res.AppName,
			Actions:  row.actions,
		})
		a.mux.Handle(row.method+" "+row.pattern,
			a.requirePermissions(res.Name, res.AppName, row.actions, row.fn))
	}
}

type resourceHandlers[T any] struct {
	api *API
	res Resource[T]
}

func (h resourceHandlers[T]) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.res.Store.List(r.Context(), parsePage(r), includeDeleted(r), parseFilters(r))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h resourceHandlers[T]) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := h.res.Store.Get(r.Context(), id, includeDeleted(r), parseFilters(r))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h resourceHandlers[T]) count(w http.ResponseWriter, r *http.Request) {
	n, err := h.res.Store.Count(r.Context(), includeDeleted(r), parseFilters(r))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h resourceHandlers[T]) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var fields []string
	if raw := q.Get("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	out, err := h.res.Store.Search(r.Context(), q.Get("query"), fields, parsePage(r))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h resourceHandlers[T]) create(w http.ResponseWriter, r *http.Request) {
	data, ok := h.decodePayload(w, r)
	if !ok {
		return
	}
	item, err := h.res.Store.Create(r.Context(), data)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h resourceHandlers[T]) createMany(w http.ResponseWriter, r *http.Request) {
	items, ok := h.decodePayloads(w, r)
	if !ok {
		return
	}
	out, err := h.res.Store.CreateMany(r.Context(), items)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": out})
}

func (h resourceHandlers[T]) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, ok := h.decodePayload(w, r)
	if !ok {
		return
	}
	item, err := h.res.Store.Update(r.Context(), id, data)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h resourceHandlers[T]) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	items, ok := h.decodePayloads(w, r)
	if !ok {
		return
	}
	out, err := h.res.Store.BulkUpdate(r.Context(), items)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h resourceHandlers[T]) softDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := h.res.Store.SoftDelete(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h resourceHandlers[T]) restore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	restored, err := h.res.Store.Restore(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": restored})
}

func (h resourceHandlers[T]) forceDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := h.res.Store.ForceDelete(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h resourceHandlers[T]) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "ids are required")
		return
	}
	n, err := h.res.Store.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": n})
}

func (h resourceHandlers[T]) logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p := parsePage(r)
	q := audit.Query{
		Page:      p.Page,
		PerPage:   p.PerPage,
		SortBy:    p.SortBy,
		SortOrder: p.SortOrder,
		RecordID:  &id,
		Action:    r.URL.Query().Get("action"),
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, "user_id must be an integer")
			return
		}
		q.UserID = &uid
	}
	out, err := h.res.Store.Logs(r.Context(), q)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h resourceHandlers[T]) decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var data map[string]any
	if err := decodeJSON(r, &data); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "empty payload")
		return nil, false
	}
	if h.res.Prepare != nil {
		if err := h.res.Prepare(data); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
			return nil, false
		}
	}
	return data, true
}

func (h resourceHandlers[T]) decodePayloads(w http.ResponseWriter, r *http.Request) ([]map[string]any, bool) {
	var items []map[string]any
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return nil, false
	}
	if len(items) == 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "empty payload")
		return nil, false
	}
	if h.res.Prepare != nil {
		for _, data := range items {
			if err := h.res.Prepare(data); err != nil {
				writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
				return nil, false
			}
		}
	}
	return items, true
}

// --- query parsing ---

// reservedParams are interpreted by the engine, not forwarded as filters.
var reservedParams = map[string]bool{
	"page":            true,
	"per_page":        true,
	"sort_by":         true,
	"sort_order":      true,
	"include_deleted": true,
	"fields":          true,
	"action":          true,
	"user_id":         true,
}

func parsePage(r *http.Request) repo.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return repo.Page{
		Page:      page,
		PerPage:   perPage,
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
}

// parseFilters forwards the remaining query parameters to the engine.
// Repeated parameters become list filters. Unknown keys are the engine's
// problem; it ignores what it does not recognize.
func parseFilters(r *http.Request) map[string]any {
	filters := map[string]any{}
	for key, values := range r.URL.Query() {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		if len(values) > 1 {
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			filters[key] = list
			continue
		}
		if values[0] == "null" {
			filters[key] = nil
			continue
		}
		filters[key] = values[0]
	}
	return filters
}

func includeDeleted(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	return err == nil && v
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
