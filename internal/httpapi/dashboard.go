package httpapi

import (
	"html/template"
	"net/http"

	"github.com/voorleeslab/voorlees/internal/library"
)

// The dashboard is a read-only status page for poking at a running instance
// from a browser. It skips auth: it shows counts and error strings, never row
// contents, and the daemon listens on loopback by default.

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>voorlees status</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #fdf8f2; color: #333; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; margin-top: 1rem; }
td, th { border: 1px solid #ccc; padding: 0.3rem 0.8rem; text-align: left; }
.status-idle { color: #666; }
.status-syncing { color: #b8860b; }
.status-success { color: #2e7d32; }
.status-error { color: #c62828; }
ul.errors { color: #c62828; }
</style>
</head>
<body>
<h1>voorlees</h1>
<p>sync: <strong class="status-{{.Status}}">{{.Status}}</strong>
{{if .Online}}(online){{else}}(offline){{end}},
queue depth {{.QueueDepth}},
storage {{.Usage}} / {{.Quota}} bytes</p>
<table>
<tr><th>collection</th><th>rows</th></tr>
{{range .Counts}}<tr><td>{{.Name}}</td><td>{{.Rows}}</td></tr>
{{end}}
</table>
{{if .Errors}}
<h2>sync errors</h2>
<ul class="errors">
{{range .Errors}}<li>{{.}}</li>
{{end}}
</ul>
{{end}}
</body>
</html>
`))

type dashboardCount struct {
	Name string
	Rows int
}

type dashboardData struct {
	Status     string
	Online     bool
	QueueDepth int
	Usage      int64
	Quota      int64
	Counts     []dashboardCount
	Errors     []string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{
		Status:     string(s.sync.Status()),
		Online:     s.sync.Online(),
		QueueDepth: s.sync.QueueDepth(),
		Usage:      s.store.Usage(),
		Quota:      s.store.QuotaBytes(),
		Counts: []dashboardCount{
			{Name: library.CollectionBooks, Rows: len(s.store.Books())},
			{Name: library.CollectionChapters, Rows: len(s.store.Chapters())},
			{Name: library.CollectionRecordings, Rows: len(s.store.Recordings())},
			{Name: library.CollectionUsers, Rows: len(s.store.Users())},
		},
		Errors: s.sync.Errors(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = dashboardTemplate.Execute(w, data)
}
