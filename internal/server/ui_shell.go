package server

import (
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/jacksonlee411/payroll-console/pkg/navigation"
)

func isHX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func esc(s string) string { return html.EscapeString(s) }

// writePage renders body inside the console chrome. HTMX requests get the
// fragment only.
func (c *console) writePage(w http.ResponseWriter, r *http.Request, status int, title string, bodyHTML string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if isHX(r) {
		_, _ = w.Write([]byte(bodyHTML))
		return
	}
	var chrome string
	if sess, ok := currentSession(r.Context()); ok && sess.State(c.now()).HasToken() {
		chrome = c.renderTopbar(sess) + c.renderNav(sess.Context)
	}
	_, _ = w.Write([]byte(renderMinimalShell(title, chrome, bodyHTML)))
}

func (c *console) renderNav(wc navigation.WorkingContext) string {
	var b strings.Builder
	b.WriteString(`<nav><ul>`)
	b.WriteString(`<li><a href="/dashboard">Dashboard</a></li>`)
	b.WriteString(`<li><a href="/reports/payroll">Payroll report</a></li>`)
	if wc.Complete() {
		for _, e := range c.catalog.Entities {
			b.WriteString(`<li><a href="/` + esc(e.Key) + `">` + esc(e.Title) + `</a></li>`)
		}
	}
	b.WriteString(`</ul></nav>`)
	return b.String()
}

func (c *console) renderTopbar(sess Session) string {
	var b strings.Builder
	b.WriteString(`<header><span>`)
	if sess.Context.Complete() {
		p := sess.Context.Period
		b.WriteString(`Company ` + strconv.FormatInt(sess.Context.CompanyID, 10))
		b.WriteString(` · Run ` + strconv.FormatInt(sess.Context.PayrollRunID, 10))
		b.WriteString(` · Period ` + strconv.Itoa(p.Year) + `-` + twoDigits(p.Month) + ` #` + strconv.Itoa(p.Sequence))
	} else {
		b.WriteString(`No working context`)
	}
	b.WriteString(`</span> <a href="/context">Change</a>`)
	b.WriteString(`<form method="POST" action="/logout" style="display:inline"><button type="submit">Logout</button></form>`)
	b.WriteString(`</header>`)
	return b.String()
}

func twoDigits(n int) string {
	if n < 10 && n >= 0 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

func renderErrorBanner(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return ""
	}
	return `<p class="error" role="alert">` + esc(msg) + `</p>`
}

func renderLoginForm(errMsg string, email string) string {
	var b strings.Builder
	b.WriteString(`<h1>Login</h1>`)
	b.WriteString(renderErrorBanner(errMsg))
	b.WriteString(`<form method="POST" action="/login">`)
	b.WriteString(`<label>Email <input type="email" name="email" value="` + esc(email) + `" autocomplete="username" required></label><br>`)
	b.WriteString(`<label>Password <input type="password" name="password" autocomplete="current-password" required></label><br>`)
	b.WriteString(`<button type="submit">Login</button>`)
	b.WriteString(`</form>`)
	return b.String()
}

func renderMinimalShell(title string, chromeHTML string, bodyHTML string) string {
	var b strings.Builder
	b.WriteString("<!doctype html><html><head>")
	b.WriteString(`<meta charset="utf-8">`)
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
	b.WriteString(`<link rel="stylesheet" href="/assets/console.css">`)
	b.WriteString("<title>")
	if title != "" {
		b.WriteString(esc(title) + " · ")
	}
	b.WriteString("Payroll Console</title>")
	b.WriteString("</head><body>")
	b.WriteString(chromeHTML)
	b.WriteString(`<main id="content">`)
	b.WriteString(bodyHTML)
	b.WriteString("</main></body></html>")
	return b.String()
}
