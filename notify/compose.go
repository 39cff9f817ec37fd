package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/pinwatch/watchlist"
)

// DefaultSubject is used when neither the settings nor the task give one.
const DefaultSubject = "pinwatch updates"

var summaryTmpl = template.Must(template.New("summary").Parse(`<p>Dear {{.Name}},</p>
<p>There are new updates on {{.Title}}.</p>
<table>
<thead><tr><th>Original content</th><th>Current content</th></tr></thead>
<tbody>
{{- range .Records}}
<tr><td style="color:#c00000">{{.Original}}</td><td style="color:#008000">{{.Current}}</td></tr>
{{- end}}
</tbody>
</table>
<p>Open <a href="{{.URL}}">{{.URL}}</a> to view the update.</p>
<p>Kind regards,<br>pinwatch</p>
`))

var markdown = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

type summaryData struct {
	Name    string
	Title   string
	URL     string
	Records []watchlist.DiffRecord
}

// Subject picks the settings subject, else the task title, else fallback.
func Subject(set watchlist.Settings, task watchlist.WatchTask, fallback string) string {
	switch {
	case set.EmailSubject != "":
		return set.EmailSubject
	case task.Title != "":
		return task.Title
	case fallback != "":
		return fallback
	default:
		return DefaultSubject
	}
}

// ComposeSummary renders the change summary for task addressed to the
// settings email. Text is the markdown rendering of the HTML body.
func ComposeSummary(set watchlist.Settings, task watchlist.WatchTask, records []watchlist.DiffRecord, fallbackSubject string) (Email, error) {
	name := set.Name
	if name == "" {
		name = "user"
	}
	title := task.Title
	if title == "" {
		title = task.URL
	}

	var buf bytes.Buffer
	err := summaryTmpl.Execute(&buf, summaryData{
		Name:    name,
		Title:   title,
		URL:     task.URL,
		Records: records,
	})
	if err != nil {
		return Email{}, fmt.Errorf("notify: render summary: %w", err)
	}

	text, err := markdown.ConvertString(buf.String())
	if err != nil {
		return Email{}, fmt.Errorf("notify: text part: %w", err)
	}

	return Email{
		To:      set.Email,
		ToName:  set.Name,
		Subject: Subject(set, task, fallbackSubject),
		HTML:    buf.String(),
		Text:    text,
	}, nil
}
