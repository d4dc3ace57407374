package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"golang.org/x/sync/errgroup"
)

type dashboardCount struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Count int    `json:"count"`
}

type dashboardData struct {
	Context navigation.WorkingContext `json:"context"`
	Counts  []dashboardCount          `json:"counts"`
}

func (c *console) loadDashboard(ctx context.Context, sess Session) (dashboardData, error) {
	entities := c.catalog.DashboardEntities()
	counts := make([]dashboardCount, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entities {
		g.Go(func() error {
			rows, err := c.upstream.List(gctx, sess.Token, e.Resource, e.scopeQuery(sess.Context))
			if err != nil {
				return err
			}
			kept, dropped := filterRows(e, rows, "", sess.Context)
			if dropped > 0 {
				c.metrics.rowFilterDrops.WithLabelValues(e.Key).Add(float64(dropped))
			}
			counts[i] = dashboardCount{Key: e.Key, Title: e.Title, Count: len(kept)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dashboardData{}, err
	}
	return dashboardData{Context: sess.Context, Counts: counts}, nil
}

func (c *console) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	data, err := c.loadDashboard(r.Context(), sess)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassUI, err)
		return
	}

	var b strings.Builder
	b.WriteString(`<h1>Dashboard</h1>`)
	b.WriteString(`<p>` + esc(contextSummary(data.Context)) + `</p>`)
	b.WriteString(`<table><thead><tr><th>Entity</th><th>Rows</th></tr></thead><tbody>`)
	for _, cnt := range data.Counts {
		b.WriteString(`<tr><td><a href="/` + esc(cnt.Key) + `">` + esc(cnt.Title) + `</a></td><td>` + strconv.Itoa(cnt.Count) + `</td></tr>`)
	}
	b.WriteString(`</tbody></table>`)
	b.WriteString(`<p><a href="/reports/payroll">Payroll report</a></p>`)
	c.writePage(w, r, http.StatusOK, "Dashboard", b.String())
}

func (c *console) handleDashboardAPI(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	data, err := c.loadDashboard(r.Context(), sess)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassInternalAPI, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, data)
}

type payrollReport struct {
	Context navigation.WorkingContext `json:"context"`
	Rows    []upstream.Record         `json:"rows"`
	Totals  upstream.Record           `json:"totals,omitempty"`
}

func (c *console) loadPayrollReport(ctx context.Context, sess Session) (payrollReport, error) {
	q := url.Values{}
	for k, v := range sess.Context.Values() {
		q.Set(k, v)
	}
	var out payrollReport
	if err := c.upstream.GetJSON(ctx, sess.Token, "/reports/payroll-summary", q, &out); err != nil {
		return payrollReport{}, err
	}
	if out.Rows == nil {
		out.Rows = []upstream.Record{}
	}
	out.Context = sess.Context
	return out, nil
}

func (c *console) handlePayrollReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		c.homeHandler(w, r)
		return
	}
	rep, err := c.loadPayrollReport(r.Context(), sess)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassUI, err)
		return
	}

	var b strings.Builder
	b.WriteString(`<h1>Payroll report</h1>`)
	b.WriteString(`<p>` + esc(contextSummary(rep.Context)) + `</p>`)
	if len(rep.Rows) == 0 {
		b.WriteString(`<p>No payroll lines for this period.</p>`)
	} else {
		b.WriteString(`<table><thead><tr><th>Concept</th><th>Kind</th><th>Total</th></tr></thead><tbody>`)
		for _, row := range rep.Rows {
			b.WriteString(`<tr><td>` + esc(row.String("concept")) + `</td><td>` + esc(row.String("kind")) + `</td><td class="num">` + esc(row.String("total")) + `</td></tr>`)
		}
		b.WriteString(`</tbody></table>`)
	}
	if len(rep.Totals) > 0 {
		b.WriteString(`<dl class="totals">`)
		for _, k := range []string{"earnings", "deductions", "net"} {
			if v := rep.Totals.String(k); v != "" {
				b.WriteString(`<dt>` + esc(k) + `</dt><dd>` + esc(v) + `</dd>`)
			}
		}
		b.WriteString(`</dl>`)
	}
	c.writePage(w, r, http.StatusOK, "Payroll report", b.String())
}

func (c *console) handlePayrollReportAPI(w http.ResponseWriter, r *http.Request) {
	sess, ok := currentSession(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	rep, err := c.loadPayrollReport(r.Context(), sess)
	if err != nil {
		c.writeUpstreamError(w, r, routing.RouteClassInternalAPI, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, rep)
}
