package export

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"strings"
	"time"
)

//go:embed templates/note.html
var templateFS embed.FS

var notePage = template.Must(template.New("note.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"day":   func(t time.Time) string { return t.Format("Jan 2, 2006") },
}).ParseFS(templateFS, "templates/note.html"))

type notePageData struct {
	Title     string
	Body      template.HTML
	Byline    string
	UpdatedAt time.Time
	Mentions  []Mention
}

// RenderNoteHTML renders a note as a standalone HTML page. Mentions are
// listed grouped by type, then by label.
func RenderNoteHTML(note Note) (string, error) {
	var byline []string
	for _, part := range []string{note.WorkspaceName, note.Author} {
		if part = strings.TrimSpace(part); part != "" {
			byline = append(byline, part)
		}
	}
	mentions := append([]Mention(nil), note.Mentions...)
	sort.SliceStable(mentions, func(i, j int) bool {
		if mentions[i].Type != mentions[j].Type {
			return mentions[i].Type < mentions[j].Type
		}
		return mentions[i].Label < mentions[j].Label
	})

	var buf bytes.Buffer
	err := notePage.Execute(&buf, notePageData{
		Title:     note.Title,
		Body:      template.HTML(ContentToHTML(note.Content)),
		Byline:    strings.Join(byline, " | "),
		UpdatedAt: note.UpdatedAt,
		Mentions:  mentions,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fileStem turns a note title into an ASCII file name without extension.
func fileStem(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
		if b.Len() == 50 {
			break
		}
	}
	if b.Len() == 0 {
		return "note"
	}
	return b.String()
}
