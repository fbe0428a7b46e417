package web

import (
	"encoding/base64"
	"html/template"
	"io"

	"github.com/hazyhaar/slap/slap/internal/snapshot"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
{{- if .Refresh}}
<meta http-equiv="refresh" content="{{.Refresh}}">
{{- end}}
<title>{{.Title}}</title>
</head>
<body style="margin:0">
{{- if .Image}}
<img src="{{.Image}}"/>
{{- else}}
<p>not ready: no screenshot has been captured yet</p>
{{- end}}
</body>
</html>
`))

type pageData struct {
	Title   string
	Refresh int
	Image   template.URL
}

// dataURI encodes the snapshot as data:<content-type>;base64,<payload>.
func dataURI(s *snapshot.Snapshot) template.URL {
	return template.URL("data:" + s.ContentType + ";base64," + base64.StdEncoding.EncodeToString(s.Data))
}

func renderPage(w io.Writer, d pageData) error {
	return pageTmpl.Execute(w, d)
}
