package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type contextOptions struct {
	Companies   []upstream.Record `json:"companies"`
	PayrollRuns []upstream.Record `json:"payroll_runs"`
	Periods     []upstream.Record `json:"periods"`
}

// loadContextOptions fetches the selectable companies, and the runs and
// periods below the chosen company and run.
func (c *console) loadContextOptions(ctx context.Context, token string, companyID int64, runID int64) (contextOptions, error) {
	out := contextOptions{
		Companies:   []upstream.Record{},
		PayrollRuns: []upstream.Record{},
		Periods:     []upstream.Record{},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := c.upstream.List(gctx, token, "/companies", nil)
		if rows != nil {
			out.Companies = rows
		}
		return err
	})
	if companyID > 0 {
		g.Go(func() error {
			q := url.Values{"company_id": {strconv.FormatInt(companyID, 10)}}
			rows, err := c.upstream.List(gctx, token, "/payroll-runs", q)
			if rows != nil {
				out.PayrollRuns = rows
			}
			return err
		})
		if runID > 0 {
			g.Go(func() error {
				q := url.Values{
					"company_id":     {strconv.FormatInt(companyID, 10)},
					"payroll_run_id": {strconv.FormatInt(runID, 10)},
				}
				rows, err := c.upstream.List(gctx, token, "/periods", q)
				if rows != nil {
					out.Periods = rows
				}
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return contextOptions{}, err
	}
	return out, nil
}

func parseID(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseSmall(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func contextFromForm(values url.Values) navigation.WorkingContext {
	return navigation.WorkingContext{
		CompanyID:    parseID(values.Get("company_id")),
		PayrollRunID: parseID(values.Get("payroll_run_id")),
		Period: navigation.Period{
			Year:     parseSmall(values.Get("year")),
			Month:    parseSmall(values.Get("month")),
			Sequence: parseSmall(values.Get("sequence")),
		},
	}
}

func contextErrorMessage(err error) string {
	msg := err.Error()
	if errors.Is(err, navigation.ErrInvalidContext) {
		msg = strings.TrimPrefix(msg, navigation.ErrInvalidContext.Error()+": ")
	}
	return msg
}

func (c *console) handleContextPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	c.renderContextPage(w, r, sess, http.StatusOK, "", sess.Context)
}

// renderContextPage shows the picker. Query parameters override the stored
// selection so choosing a company reloads its runs.
func (c *console) renderContextPage(w http.ResponseWriter, r *http.Request, sess Session, status int, errMsg string, wc navigation.WorkingContext) {
	query := r.URL.Query()
	if v := parseID(query.Get("company_id")); v > 0 {
		if v != wc.CompanyID {
			wc = navigation.WorkingContext{CompanyID: v}
		}
	}
	if v := parseID(query.Get("payroll_run_id")); v > 0 && wc.CompanyID > 0 {
		if v != wc.PayrollRunID {
			wc.PayrollRunID = v
			wc.Period = navigation.Period{}
		}
	}

	opts, err := c.loadContextOptions(r.Context(), sess.Token, wc.CompanyID, wc.PayrollRunID)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassUI, err)
		return
	}

	var b strings.Builder
	b.WriteString(`<h1>Working context</h1>`)
	b.WriteString(renderErrorBanner(errMsg))
	if sess.Context.Complete() {
		b.WriteString(`<p>Current: ` + esc(contextSummary(sess.Context)) + `</p>`)
	} else if missing := sess.Context.Missing(); len(missing) > 0 {
		b.WriteString(`<p>Missing: ` + esc(strings.Join(missing, ", ")) + `</p>`)
	}

	b.WriteString(`<form method="GET" action="/context">`)
	b.WriteString(renderRecordSelect("Company", "company_id", opts.Companies, wc.CompanyID))
	b.WriteString(renderRecordSelect("Payroll run", "payroll_run_id", opts.PayrollRuns, wc.PayrollRunID))
	b.WriteString(`<button type="submit">Load</button></form>`)

	if len(opts.Periods) > 0 {
		b.WriteString(`<table><thead><tr><th>Year</th><th>Month</th><th>Sequence</th><th></th></tr></thead><tbody>`)
		for _, p := range opts.Periods {
			b.WriteString(`<tr><td>` + esc(p.String("year")) + `</td><td>` + esc(p.String("month")) + `</td><td>` + esc(p.String("sequence")) + `</td><td>`)
			b.WriteString(`<form method="POST" action="/context">`)
			b.WriteString(hiddenContextInputs(wc.CompanyID, wc.PayrollRunID, p.String("year"), p.String("month"), p.String("sequence")))
			b.WriteString(`<button type="submit">Select</button></form></td></tr>`)
		}
		b.WriteString(`</tbody></table>`)
	}

	year, month, seq := "", "", ""
	if wc.Period.Year > 0 {
		year = strconv.Itoa(wc.Period.Year)
	}
	if wc.Period.Month > 0 {
		month = strconv.Itoa(wc.Period.Month)
	}
	if wc.Period.Sequence > 0 {
		seq = strconv.Itoa(wc.Period.Sequence)
	}
	b.WriteString(`<h2>Set period</h2><form method="POST" action="/context">`)
	b.WriteString(`<input type="hidden" name="company_id" value="` + idValue(wc.CompanyID) + `">`)
	b.WriteString(`<input type="hidden" name="payroll_run_id" value="` + idValue(wc.PayrollRunID) + `">`)
	b.WriteString(`<label>Year <input type="number" name="year" min="1" max="9999" value="` + year + `"></label> `)
	b.WriteString(`<label>Month <input type="number" name="month" min="1" max="12" value="` + month + `"></label> `)
	b.WriteString(`<label>Sequence <input type="number" name="sequence" min="1" value="` + seq + `"></label> `)
	b.WriteString(`<button type="submit">Apply</button></form>`)

	if !sess.Context.IsZero() {
		b.WriteString(`<form method="POST" action="/context/clear"><button type="submit">Clear context</button></form>`)
	}
	c.writePage(w, r, status, "Working context", b.String())
}

func idValue(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func hiddenContextInputs(companyID int64, runID int64, year string, month string, seq string) string {
	return `<input type="hidden" name="company_id" value="` + idValue(companyID) + `">` +
		`<input type="hidden" name="payroll_run_id" value="` + idValue(runID) + `">` +
		`<input type="hidden" name="year" value="` + esc(year) + `">` +
		`<input type="hidden" name="month" value="` + esc(month) + `">` +
		`<input type="hidden" name="sequence" value="` + esc(seq) + `">`
}

func renderRecordSelect(label string, name string, rows []upstream.Record, selected int64) string {
	var b strings.Builder
	b.WriteString(`<label>` + esc(label) + ` <select name="` + esc(name) + `"><option value=""></option>`)
	want := idValue(selected)
	for _, rec := range rows {
		id := rec.ID()
		sel := ""
		if id == want {
			sel = " selected"
		}
		text := rec.String("name")
		if text == "" {
			text = rec.String("code")
		}
		if text == "" {
			text = id
		}
		b.WriteString(`<option value="` + esc(id) + `"` + sel + `>` + esc(text) + `</option>`)
	}
	b.WriteString(`</select></label> `)
	return b.String()
}

func contextSummary(wc navigation.WorkingContext) string {
	return "company " + strconv.FormatInt(wc.CompanyID, 10) +
		", run " + strconv.FormatInt(wc.PayrollRunID, 10) +
		", period " + strconv.Itoa(wc.Period.Year) + "-" + twoDigits(wc.Period.Month) + " #" + strconv.Itoa(wc.Period.Sequence)
}

func (c *console) handleContextSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}
	wc := contextFromForm(r.PostForm)
	if err := wc.Validate(); err != nil {
		c.renderContextPage(w, r, sess, http.StatusUnprocessableEntity, contextErrorMessage(err), wc)
		return
	}
	if !c.storeContext(w, r, sess, wc) {
		return
	}
	http.Redirect(w, r, navigation.PathDashboard, http.StatusSeeOther)
}

func (c *console) handleContextClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	if !c.storeContext(w, r, sess, navigation.WorkingContext{}) {
		return
	}
	http.Redirect(w, r, navigation.PathContext, http.StatusSeeOther)
}

// storeContext persists wc. On failure it has already answered the request.
func (c *console) storeContext(w http.ResponseWriter, r *http.Request, sess Session, wc navigation.WorkingContext) bool {
	rc := c.classifier.Classify(r.URL.Path)
	err := c.sessions.SetContext(r.Context(), sess.ID, wc)
	switch {
	case err == nil:
		c.logger.Info("working context set",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Int64("company_id", wc.CompanyID),
			zap.Int64("payroll_run_id", wc.PayrollRunID),
			zap.Int("year", wc.Period.Year),
			zap.Int("month", wc.Period.Month),
			zap.Int("sequence", wc.Period.Sequence),
		)
		return true
	case errors.Is(err, errSessionNotFound):
		clearSIDCookie(w)
		if routing.IsJSONOnly(rc) {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
		} else {
			http.Redirect(w, r, navigation.PathLogin, http.StatusFound)
		}
		return false
	default:
		c.logger.Error("session context write failed", zap.Error(err))
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_error", "session error")
		return false
	}
}

type contextResponse struct {
	Context  navigation.WorkingContext `json:"context"`
	Complete bool                      `json:"complete"`
	Missing  []string                  `json:"missing"`
}

func newContextResponse(wc navigation.WorkingContext) contextResponse {
	missing := wc.Missing()
	if missing == nil {
		missing = []string{}
	}
	return contextResponse{Context: wc, Complete: wc.Complete(), Missing: missing}
}

func (c *console) handleContextAPI(w http.ResponseWriter, r *http.Request) {
	rc := routing.RouteClassInternalAPI
	sess, ok := currentSession(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		routing.WriteJSON(w, http.StatusOK, newContextResponse(sess.Context))
	case http.MethodPut:
		var wc navigation.WorkingContext
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wc); err != nil {
			routing.WriteError(w, r, rc, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		if err := wc.Validate(); err != nil {
			routing.WriteErrorDetail(w, r, rc, http.StatusUnprocessableEntity, "invalid_context", "invalid working context", contextErrorMessage(err))
			return
		}
		if !c.storeContext(w, r, sess, wc) {
			return
		}
		routing.WriteJSON(w, http.StatusOK, newContextResponse(wc))
	case http.MethodDelete:
		if !c.storeContext(w, r, sess, navigation.WorkingContext{}) {
			return
		}
		routing.WriteJSON(w, http.StatusOK, newContextResponse(navigation.WorkingContext{}))
	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (c *console) handleContextOptionsAPI(w http.ResponseWriter, r *http.Request) {
	rc := routing.RouteClassInternalAPI
	sess, ok := currentSession(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	companyID := sess.Context.CompanyID
	runID := sess.Context.PayrollRunID
	q := r.URL.Query()
	if q.Has("company_id") {
		companyID = parseID(q.Get("company_id"))
		runID = 0
	}
	if q.Has("payroll_run_id") {
		runID = parseID(q.Get("payroll_run_id"))
	}

	opts, err := c.loadContextOptions(r.Context(), sess.Token, companyID, runID)
	if err != nil {
		c.writeUpstreamError(w, r, rc, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, opts)
}

type sessionResponse struct {
	Authenticated bool                      `json:"authenticated"`
	Role          string                    `json:"role,omitempty"`
	Context       navigation.WorkingContext `json:"context"`
	Complete      bool                      `json:"complete"`
	Missing       []string                  `json:"missing"`
	Home          string                    `json:"home"`
}

func (c *console) handleSessionAPI(w http.ResponseWriter, r *http.Request) {
	var state navigation.State
	role := ""
	if sess, ok := currentSession(r.Context()); ok {
		state = sess.State(c.now())
		role = sess.Role
	}
	ctxResp := newContextResponse(state.Context)
	routing.WriteJSON(w, http.StatusOK, sessionResponse{
		Authenticated: state.HasToken(),
		Role:          role,
		Context:       ctxResp.Context,
		Complete:      ctxResp.Complete,
		Missing:       ctxResp.Missing,
		Home:          navigation.ResolveHome(state).Target,
	})
}
