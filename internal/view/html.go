package view

import (
	"fmt"
	"html/template"
	"io"

	"github.com/taskdash/taskdash/internal/progress"
)

// HTMLData is everything the dashboard page shows.
type HTMLData struct {
	Title    string
	Page     Page
	Progress progress.Series
	Ratings  []string
	// Exportable enables the download link.
	Exportable bool
	// LastError is shown in the error area.
	LastError string
}

var pageTemplate = template.Must(template.New("page").Parse(pageHTML))

// WriteHTML renders the dashboard page.
func WriteHTML(w io.Writer, data HTMLData) error {
	if data.Title == "" {
		data.Title = "taskdash"
	}
	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render page: %w", err)
	}
	return nil
}

const pageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: sans-serif; margin: 1.5em; }
        table { border-collapse: collapse; }
        th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
        tr.done td { color: #888; }
        #error { color: #b00; min-height: 1.2em; }
        .chart td { border: none; padding: 1px 4px; }
        .bar { background: #4a8; height: 0.9em; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <div id="error">{{.LastError}}</div>

    <form method="get" action="/">
        <input type="search" name="q" value="{{.Page.Search}}" placeholder="Search">
        <label><input type="checkbox" name="unfinished" value="1"{{if .Page.UnfinishedOnly}} checked{{end}}> Unfinished only</label>
        <button type="submit">Filter</button>
        <a href="/random" id="random">Random unfinished</a>
        {{if .Exportable}}<a href="/api/export">Download database</a>{{end}}
    </form>

    <p>{{.Page.Unfinished}} unfinished of {{.Page.Total}}</p>

    {{with .Page.Detail}}
    <section id="detail">
        {{if .Found}}
        <h2>{{.GroupKey}}</h2>
        <dl>
            {{range .Fields}}<dt>{{.Label}}</dt><dd>{{.Value}}</dd>{{end}}
        </dl>
        <form method="post" action="/api/groups/{{.GroupKey}}/done" data-action="done">
            <button type="submit">Mark group done</button>
        </form>
        <form method="post" action="/api/groups/{{.GroupKey}}/rating" data-action="rating">
            {{range $.Ratings}}<button type="submit" name="rating" value="{{.}}">{{.}}</button>{{end}}
        </form>
        {{else}}
        <p>Task not found.</p>
        {{end}}
        <a href="/">Close</a>
    </section>
    {{end}}

    {{if .Page.Empty}}
    <p id="empty">{{.Page.Message}}</p>
    {{else}}
    <table id="tasks">
        <thead><tr>{{range .Page.Columns}}<th>{{.}}</th>{{end}}</tr></thead>
        <tbody>
        {{range $row := .Page.Rows}}
            <tr{{if $row.Done}} class="done"{{end}}>{{range $i, $c := $row.Cells}}<td>{{if eq $i 0}}<a href="/?id={{$row.ID}}">{{$c}}</a>{{else}}{{$c}}{{end}}</td>{{end}}</tr>
        {{end}}
        </tbody>
    </table>
    {{end}}

    <h2>Progress</h2>
    <p>{{.Progress.Finished}} finished, {{.Progress.Unfinished}} unfinished</p>
    <table class="chart">
        {{range $i, $l := .Progress.Labels}}<tr><td>{{$l}}</td><td>{{index $.Progress.Values $i}}</td></tr>{{end}}
    </table>

    <form method="post" action="/api/clear" data-action="clear">
        <button type="submit">Clear all markings</button>
    </form>

    <script>
    (function () {
        var proto = location.protocol === "https:" ? "wss://" : "ws://";
        var ws = new WebSocket(proto + location.host + "/ws");
        ws.onmessage = function (ev) {
            var msg = JSON.parse(ev.data);
            if (msg.type === "snapshot") { location.reload(); }
            if (msg.type === "error" && msg.data) {
                document.getElementById("error").textContent = msg.data.message;
            }
        };
        document.querySelectorAll("form[data-action]").forEach(function (form) {
            form.addEventListener("submit", function (ev) {
                ev.preventDefault();
                var body = {};
                if (form.dataset.action === "clear") {
                    if (!confirm("Clear every finished and rating value?")) { return; }
                    body.confirm = true;
                }
                if (ev.submitter && ev.submitter.name) { body[ev.submitter.name] = ev.submitter.value; }
                fetch(form.action, {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify(body)})
                    .then(function (res) { return res.ok ? null : res.json(); })
                    .then(function (err) { if (err) { document.getElementById("error").textContent = err.error; } });
            });
        });
    })();
    </script>
</body>
</html>
`
