package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// Message is one outgoing email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

var digestTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"trim": strings.TrimSpace,
}).Parse(`{{ .Title }}
{{ if .Day.DateDisplayed }}{{ .Day.DateDisplayed }}
{{ end }}
{{- range .Day.Readings }}
== {{ if .Title }}{{ .Title }}{{ else }}{{ .Type }}{{ end }}{{ if .ReferenceDisplayed }} ({{ .ReferenceDisplayed }}){{ end }} ==
{{ trim .Text }}
{{ end }}
{{- with .Day.Commentary }}
== {{ .Title }} ==
{{ if .Author.Name }}{{ .Author.Name }}
{{ end }}{{ trim .Description }}
{{ end }}
{{- if .Day.Saints }}
== Saints ==
{{ range .Day.Saints }}- {{ .Name }}{{ if .ShortDescription }}, {{ .ShortDescription }}{{ end }}
{{ end }}{{ end }}`))

// Render builds the digest for day.
func Render(day liturgy.Day) (subject, body string, err error) {
	title := strings.TrimSpace(day.LiturgicTitle)
	if title == "" {
		title = "Liturgy of " + day.Date
	}
	var buf bytes.Buffer
	err = digestTemplate.Execute(&buf, struct {
		Title string
		Day   liturgy.Day
	}{Title: title, Day: day})
	if err != nil {
		return "", "", fmt.Errorf("render digest: %w", err)
	}
	subject = fmt.Sprintf("%s (%s, %s)", title, day.Date, day.Lang)
	return subject, buf.String(), nil
}
