package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type selectOption struct {
	Value string
	Label string
}

type entityView struct {
	rows    []upstream.Record
	options map[string][]selectOption
	labels  map[string]map[string]string
	editing upstream.Record
	dropped int
}

// upstreamFailure maps an upstream error onto the console's response.
func upstreamFailure(err error) (status int, code string) {
	switch upstream.StatusOf(err) {
	case 0:
		return http.StatusBadGateway, "upstream_unavailable"
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity, "upstream_rejected"
	case http.StatusUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case http.StatusForbidden:
		return http.StatusForbidden, "forbidden"
	case http.StatusNotFound:
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// writeUpstreamError answers a failed upstream call. A rejected token ends the
// session: UI routes go back to login, JSON routes get 401.
func (c *console) writeUpstreamError(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, err error) {
	status, code := upstreamFailure(err)
	if status == http.StatusBadGateway {
		c.logger.Warn("upstream call failed", zap.Error(err), zap.String("request_id", requestIDFrom(r.Context())))
	}
	if upstream.IsUnauthorized(err) {
		c.dropSession(w, r)
		if !routing.IsJSONOnly(rc) {
			http.Redirect(w, r, navigation.PathLogin, http.StatusFound)
			return
		}
	}
	routing.WriteErrorDetail(w, r, rc, status, code, "payroll API error", upstream.DetailOf(err))
}

func (c *console) loadEntityView(r *http.Request, sess Session, e *entityDef, q string, editID string) (entityView, error) {
	var view entityView
	lookups := e.lookupKeys()
	lookupRows := make([][]upstream.Record, len(lookups))

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		rows, err := c.upstream.List(ctx, sess.Token, e.Resource, e.scopeQuery(sess.Context))
		view.rows = rows
		return err
	})
	for i, key := range lookups {
		le, _ := c.catalog.Get(key)
		g.Go(func() error {
			rows, err := c.upstream.List(ctx, sess.Token, le.Resource, le.scopeQuery(sess.Context))
			lookupRows[i] = rows
			return err
		})
	}
	if editID != "" {
		g.Go(func() error {
			rec, err := c.upstream.Get(ctx, sess.Token, e.Resource, editID)
			view.editing = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return entityView{}, err
	}

	view.rows, view.dropped = filterRows(e, view.rows, q, sess.Context)
	if view.dropped > 0 {
		c.metrics.rowFilterDrops.WithLabelValues(e.Key).Add(float64(view.dropped))
		c.logger.Warn("row filter dropped rows",
			zap.String("entity", e.Key),
			zap.Int("dropped", view.dropped),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	}

	view.options = make(map[string][]selectOption, len(lookups))
	view.labels = make(map[string]map[string]string, len(lookups))
	for i, key := range lookups {
		le, _ := c.catalog.Get(key)
		opts := make([]selectOption, 0, len(lookupRows[i]))
		labels := make(map[string]string, len(lookupRows[i]))
		for _, rec := range lookupRows[i] {
			id := rec.ID()
			label := le.label(rec)
			opts = append(opts, selectOption{Value: id, Label: label})
			labels[id] = label
		}
		view.options[key] = opts
		view.labels[key] = labels
	}
	return view, nil
}

func (c *console) handleEntityPage(w http.ResponseWriter, r *http.Request, e *entityDef) {
	c.renderEntityPage(w, r, e, http.StatusOK, "", nil)
}

// renderEntityPage fetches the list and writes the screen. form, when set,
// prefills the edit form after a rejected submit.
func (c *console) renderEntityPage(w http.ResponseWriter, r *http.Request, e *entityDef, status int, errMsg string, form url.Values) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	editID := strings.TrimSpace(r.URL.Query().Get("edit"))
	if form != nil {
		editID = ""
	}

	view, err := c.loadEntityView(r, sess, e, q, editID)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassUI, err)
		return
	}

	var b strings.Builder
	b.WriteString(`<h1>` + esc(e.Title) + `</h1>`)
	b.WriteString(renderErrorBanner(errMsg))
	b.WriteString(`<form method="GET" action="/` + esc(e.Key) + `" class="search">`)
	b.WriteString(`<input type="search" name="q" value="` + esc(q) + `" placeholder="Search">`)
	b.WriteString(`<button type="submit">Search</button></form>`)

	writable := c.canWrite(r, e.Key)
	b.WriteString(renderEntityTable(e, view, writable))
	b.WriteString(`<p class="count">` + strconv.Itoa(len(view.rows)) + ` rows</p>`)

	if writable {
		values := form
		id := ""
		if values == nil && view.editing != nil {
			values = recordFormValues(e, view.editing)
			id = view.editing.ID()
		} else if values != nil {
			id = values.Get("id")
		}
		b.WriteString(renderEntityForm(e, view.options, values, id))
	}
	c.writePage(w, r, status, e.Title, b.String())
}

func renderEntityTable(e *entityDef, view entityView, writable bool) string {
	var b strings.Builder
	b.WriteString(`<table><thead><tr><th>ID</th>`)
	for _, f := range e.Fields {
		b.WriteString(`<th>` + esc(f.Label) + `</th>`)
	}
	if writable {
		b.WriteString(`<th></th>`)
	}
	b.WriteString(`</tr></thead><tbody>`)
	for _, rec := range view.rows {
		id := rec.ID()
		b.WriteString(`<tr><td>` + esc(id) + `</td>`)
		for _, f := range e.Fields {
			v := rec.String(f.Name)
			if f.Lookup != "" {
				if label, ok := view.labels[f.Lookup][v]; ok {
					v = label
				}
			}
			if f.Type == fieldBool {
				v = boolCell(v)
			}
			b.WriteString(`<td>` + esc(v) + `</td>`)
		}
		if writable {
			b.WriteString(`<td><a href="/` + esc(e.Key) + `?edit=` + url.QueryEscape(id) + `">Edit</a> `)
			b.WriteString(`<form method="POST" action="/` + esc(e.Key) + `" style="display:inline">`)
			b.WriteString(`<input type="hidden" name="_action" value="delete">`)
			b.WriteString(`<input type="hidden" name="id" value="` + esc(id) + `">`)
			b.WriteString(`<button type="submit">Delete</button></form></td>`)
		}
		b.WriteString(`</tr>`)
	}
	b.WriteString(`</tbody></table>`)
	return b.String()
}

func boolCell(v string) string {
	if v == "true" {
		return "yes"
	}
	return "no"
}

func renderEntityForm(e *entityDef, options map[string][]selectOption, values url.Values, id string) string {
	action := "create"
	heading := "New " + e.Title
	if id != "" {
		action = "update"
		heading = "Edit " + e.Title + " #" + id
	}

	var b strings.Builder
	b.WriteString(`<h2>` + esc(heading) + `</h2>`)
	b.WriteString(`<form method="POST" action="/` + esc(e.Key) + `">`)
	b.WriteString(`<input type="hidden" name="_action" value="` + action + `">`)
	if id != "" {
		b.WriteString(`<input type="hidden" name="id" value="` + esc(id) + `">`)
	}
	for _, f := range e.Fields {
		v := values.Get(f.Name)
		req := ""
		if f.Required && f.Type != fieldBool {
			req = " required"
		}
		b.WriteString(`<label>` + esc(f.Label) + ` `)
		switch f.Type {
		case fieldSelect:
			b.WriteString(`<select name="` + esc(f.Name) + `"` + req + `><option value=""></option>`)
			for _, o := range options[f.Lookup] {
				sel := ""
				if o.Value == v {
					sel = " selected"
				}
				b.WriteString(`<option value="` + esc(o.Value) + `"` + sel + `>` + esc(o.Label) + `</option>`)
			}
			b.WriteString(`</select>`)
		case fieldBool:
			checked := ""
			if v == "true" || v == "on" {
				checked = " checked"
			}
			b.WriteString(`<input type="checkbox" name="` + esc(f.Name) + `"` + checked + `>`)
		case fieldNumber:
			b.WriteString(`<input type="number" step="any" name="` + esc(f.Name) + `" value="` + esc(v) + `"` + req + `>`)
		case fieldDate:
			b.WriteString(`<input type="date" name="` + esc(f.Name) + `" value="` + esc(v) + `"` + req + `>`)
		default:
			b.WriteString(`<input type="text" name="` + esc(f.Name) + `" value="` + esc(v) + `"` + req + `>`)
		}
		b.WriteString(`</label><br>`)
	}
	b.WriteString(`<button type="submit">Save</button>`)
	if id != "" {
		b.WriteString(` <a href="/` + esc(e.Key) + `">Cancel</a>`)
	}
	b.WriteString(`</form>`)
	return b.String()
}

func recordFormValues(e *entityDef, rec upstream.Record) url.Values {
	out := url.Values{}
	for _, f := range e.Fields {
		v := rec.String(f.Name)
		if f.Type == fieldSelect {
			if m, ok := rec[f.Name].(map[string]any); ok {
				v = upstream.Record(m).ID()
			}
		}
		out.Set(f.Name, v)
	}
	return out
}

type fieldError struct {
	Field   string
	Message string
}

func (e *fieldError) Error() string { return e.Message }

// payloadFromForm coerces submitted form values into an API body using the
// catalog field types.
func (e *entityDef) payloadFromForm(values url.Values) (upstream.Record, error) {
	body := upstream.Record{}
	for _, f := range e.Fields {
		if f.Type == fieldBool {
			v := values.Get(f.Name)
			body[f.Name] = v == "on" || v == "true" || v == "1"
			continue
		}
		raw := strings.TrimSpace(values.Get(f.Name))
		if raw == "" {
			if f.Required {
				return nil, &fieldError{Field: f.Name, Message: f.Label + " is required"}
			}
			continue
		}
		switch f.Type {
		case fieldNumber:
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				return nil, &fieldError{Field: f.Name, Message: f.Label + " must be a number"}
			}
			body[f.Name] = json.Number(raw)
		case fieldSelect:
			if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
				body[f.Name] = json.Number(raw)
			} else {
				body[f.Name] = raw
			}
		case fieldDate:
			if _, err := time.Parse(time.DateOnly, raw); err != nil {
				return nil, &fieldError{Field: f.Name, Message: f.Label + " must be a date (YYYY-MM-DD)"}
			}
			body[f.Name] = raw
		default:
			body[f.Name] = raw
		}
	}
	return body, nil
}

func (c *console) handleEntitySubmit(w http.ResponseWriter, r *http.Request, e *entityDef) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}
	action := r.PostForm.Get("_action")
	if action == "" {
		action = "create"
	}
	id := strings.TrimSpace(r.PostForm.Get("id"))

	var err error
	switch action {
	case "create", "update":
		if action == "update" && id == "" {
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "missing_id", "missing id")
			return
		}
		body, ferr := e.payloadFromForm(r.PostForm)
		if ferr != nil {
			c.renderEntityPage(w, r, e, http.StatusUnprocessableEntity, ferr.Error(), r.PostForm)
			return
		}
		if action == "create" {
			e.injectScope(body, sess.Context)
			_, err = c.upstream.Create(r.Context(), sess.Token, e.Resource, body)
		} else {
			_, err = c.upstream.Update(r.Context(), sess.Token, e.Resource, id, body)
		}
	case "delete":
		if id == "" {
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "missing_id", "missing id")
			return
		}
		err = c.upstream.Delete(r.Context(), sess.Token, e.Resource, id)
	default:
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "invalid_action", "invalid action")
		return
	}

	if err != nil {
		status, _ := upstreamFailure(err)
		switch status {
		case http.StatusUnprocessableEntity, http.StatusNotFound, http.StatusForbidden:
			var form url.Values
			if action != "delete" {
				form = r.PostForm
			}
			c.renderEntityPage(w, r, e, status, upstream.DetailOf(err), form)
		default:
			c.writeUpstreamError(w, r, routing.RouteClassUI, err)
		}
		return
	}

	c.logger.Info("entity write",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("entity", e.Key),
		zap.String("action", action),
		zap.String("id", id),
	)
	http.Redirect(w, r, "/"+e.Key, http.StatusSeeOther)
}

func (c *console) entityFromPath(w http.ResponseWriter, r *http.Request) (*entityDef, Session, bool) {
	e, ok := c.catalog.Get(routing.PathParam(r, "entity"))
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "unknown_entity", "unknown entity")
		return nil, Session{}, false
	}
	sess, ok := currentSession(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return nil, Session{}, false
	}
	return e, sess, true
}

type entityListResponse struct {
	Entity string            `json:"entity"`
	Items  []upstream.Record `json:"items"`
	Count  int               `json:"count"`
}

func decodeRecord(r *http.Request) (upstream.Record, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body upstream.Record
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func (c *console) handleEntityCollectionAPI(w http.ResponseWriter, r *http.Request) {
	e, sess, ok := c.entityFromPath(w, r)
	if !ok {
		return
	}
	rc := routing.RouteClassInternalAPI

	switch r.Method {
	case http.MethodGet:
		rows, err := c.upstream.List(r.Context(), sess.Token, e.Resource, e.scopeQuery(sess.Context))
		if err != nil {
			c.writeUpstreamError(w, r, rc, err)
			return
		}
		kept, dropped := filterRows(e, rows, r.URL.Query().Get("q"), sess.Context)
		if dropped > 0 {
			c.metrics.rowFilterDrops.WithLabelValues(e.Key).Add(float64(dropped))
		}
		routing.WriteJSON(w, http.StatusOK, entityListResponse{Entity: e.Key, Items: kept, Count: len(kept)})
	case http.MethodPost:
		body, err := decodeRecord(r)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		e.injectScope(body, sess.Context)
		created, err := c.upstream.Create(r.Context(), sess.Token, e.Resource, body)
		if err != nil {
			c.writeUpstreamError(w, r, rc, err)
			return
		}
		routing.WriteJSON(w, http.StatusCreated, created)
	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (c *console) handleEntityItemAPI(w http.ResponseWriter, r *http.Request) {
	e, sess, ok := c.entityFromPath(w, r)
	if !ok {
		return
	}
	rc := routing.RouteClassInternalAPI
	id := routing.PathParam(r, "id")

	switch r.Method {
	case http.MethodPut:
		body, err := decodeRecord(r)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		updated, err := c.upstream.Update(r.Context(), sess.Token, e.Resource, id, body)
		if err != nil {
			c.writeUpstreamError(w, r, rc, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := c.upstream.Delete(r.Context(), sess.Token, e.Resource, id); err != nil {
			c.writeUpstreamError(w, r, rc, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("method %s not allowed", r.Method))
	}
}
