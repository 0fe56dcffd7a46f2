package web

import (
	"html/template"
	"log/slog"
	"net/http"
)

// pageData feeds the single built-in page template. Layout and
// branding live upstream; this page only has to be readable and to
// carry the refresh/captcha/confirm mechanics.
type pageData struct {
	Title        string
	Message      string
	Poll         bool
	NeedsCaptcha bool
	Confirm      bool
	SiteKey      string
}

const pollSeconds = 5

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
{{if .Poll}}<meta http-equiv="refresh" content="{{.PollSeconds}}">{{end}}
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 40em; margin: 4em auto; padding: 0 1em; }
h1 { font-size: 1.3em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .NeedsCaptcha}}
<form method="post">
<div class="captcha-widget" data-sitekey="{{.SiteKey}}"></div>
<input type="hidden" name="confirm" value="1">
<button type="submit">Continue</button>
</form>
{{else if .Confirm}}
<form method="post">
<input type="hidden" name="confirm" value="1">
<button type="submit">Confirm</button>
</form>
{{end}}
</body>
</html>
`

type pageRenderer struct {
	tmpl    *template.Template
	siteKey string
}

func newPageRenderer(siteKey string) *pageRenderer {
	return &pageRenderer{
		tmpl:    template.Must(template.New("page").Parse(pageTemplate)),
		siteKey: siteKey,
	}
}

func (p *pageRenderer) render(w http.ResponseWriter, status int, data *pageData) {
	data.SiteKey = p.siteKey

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := p.tmpl.Execute(w, struct {
		*pageData
		PollSeconds int
	}{data, pollSeconds}); err != nil {
		slog.Default().Error("page render failed", "error", err)
	}
}
