package export

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(nodes ...interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "doc", "content": nodes}
}

func paragraph(nodes ...interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "paragraph", "content": nodes}
}

func text(value string, marks ...string) map[string]interface{} {
	node := map[string]interface{}{"type": "text", "text": value}
	if len(marks) > 0 {
		list := make([]interface{}, 0, len(marks))
		for _, m := range marks {
			list = append(list, map[string]interface{}{"type": m})
		}
		node["marks"] = list
	}
	return node
}

func TestProseMirrorToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		contains string
	}{
		{"simple paragraph", doc(paragraph(text("Hello world"))), "<p>Hello world</p>"},
		{
			"heading",
			doc(map[string]interface{}{"type": "heading", "attrs": map[string]interface{}{"level": 2.0}, "content": []interface{}{text("Section")}}),
			"<h2>Section</h2>",
		},
		{
			"heading level clamps",
			doc(map[string]interface{}{"type": "heading", "attrs": map[string]interface{}{"level": 9.0}, "content": []interface{}{text("Big")}}),
			"<h1>Big</h1>",
		},
		{"marks", doc(paragraph(text("Bold and italic", "bold", "italic"))), "<strong><em>Bold and italic</em></strong>"},
		{"escapes text", doc(paragraph(text("<script>"))), "&lt;script&gt;"},
		{
			"code block",
			doc(map[string]interface{}{"type": "codeBlock", "content": []interface{}{text("if a < b {}")}}),
			"<pre><code>if a &lt; b {}</code></pre>",
		},
		{
			"mention",
			doc(paragraph(text("ping "), map[string]interface{}{"type": "mention", "attrs": map[string]interface{}{"id": "u1", "label": "Ada"}})),
			`<span class="mention">@Ada</span>`,
		},
		{
			"task item checked",
			doc(map[string]interface{}{"type": "taskList", "content": []interface{}{
				map[string]interface{}{"type": "taskItem", "attrs": map[string]interface{}{"checked": true}, "content": []interface{}{paragraph(text("ship"))}},
			}}),
			"&#9745;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, ProseMirrorToHTML(tt.input), tt.contains)
		})
	}
	assert.Empty(t, ProseMirrorToHTML(nil))
}

func TestProseMirrorToHTMLDropsUnsafeLinks(t *testing.T) {
	node := text("click")
	node["marks"] = []interface{}{map[string]interface{}{"type": "link", "attrs": map[string]interface{}{"href": "javascript:alert(1)"}}}
	out := ProseMirrorToHTML(doc(paragraph(node)))
	assert.NotContains(t, out, "javascript")
	assert.Contains(t, out, "click")

	node["marks"] = []interface{}{map[string]interface{}{"type": "link", "attrs": map[string]interface{}{"href": "https://example.com"}}}
	assert.Contains(t, ProseMirrorToHTML(doc(paragraph(node))), `<a href="https://example.com">click</a>`)
}

func TestContentToHTML(t *testing.T) {
	t.Run("editor json", func(t *testing.T) {
		out := ContentToHTML(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]}]}`)
		assert.Equal(t, "<p>hi</p>\n", out)
	})
	t.Run("plain text", func(t *testing.T) {
		out := ContentToHTML("first line\nsecond <b>\n\nnext")
		assert.Equal(t, "<p>first line<br>second &lt;b&gt;</p>\n<p>next</p>\n", out)
	})
	t.Run("json that is not a doc", func(t *testing.T) {
		assert.Equal(t, "<p>{&#34;a&#34;:1}</p>\n", ContentToHTML(`{"a":1}`))
	})
	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, ContentToHTML("  "))
	})
}

func TestPlainText(t *testing.T) {
	content := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"see"},{"type":"mention","attrs":{"id":"t1","label":"TCK-1"}}]}]}`
	assert.Equal(t, "see TCK-1", PlainText(content))
	assert.Equal(t, "just text", PlainText(" just text "))
}

func TestFileStem(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Meeting notes v1.2", "Meeting-notes-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "note"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, fileStem(tt.input))
		})
	}
}

func TestRenderNoteHTML(t *testing.T) {
	html, err := RenderNoteHTML(Note{
		Title:         "Planning",
		Content:       `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"This is the content."}]}]}`,
		Author:        "Ada",
		WorkspaceName: "Core",
		UpdatedAt:     time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Mentions:      []Mention{{Type: "TICKET", Label: "Fix login"}, {Type: "NOTE", Label: "Retro"}},
	})
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Planning</title>")
	assert.Contains(t, html, "<p>This is the content.</p>")
	assert.NotContains(t, html, "&lt;p&gt;")
	assert.Contains(t, html, "Core | Ada | Updated Mar 5, 2024")
	assert.Contains(t, html, "ticket: Fix login")
	assert.Less(t, strings.Index(html, "note: Retro"), strings.Index(html, "ticket: Fix login"))
}

func TestRenderNoteHTMLWithoutWorkspace(t *testing.T) {
	html, err := RenderNoteHTML(Note{Title: "Solo", Content: "plain", Author: "Ada"})
	require.NoError(t, err)
	assert.Contains(t, html, `<div class="meta">Ada</div>`)
	assert.NotContains(t, html, "Referenced")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	f, err = ParseFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	_, err = ParseFormat("odt")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func newTestService(installed ...string) *Service {
	return &Service{
		pdf: func(ctx context.Context, html string) ([]byte, error) {
			return []byte("%PDF"), nil
		},
		docx: func(ctx context.Context, html string) ([]byte, error) {
			return []byte("PK"), nil
		},
		lookPath: func(name string) (string, error) {
			for _, bin := range installed {
				if bin == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", exec.ErrNotFound
		},
	}
}

func TestServiceExport(t *testing.T) {
	note := Note{Title: "Release plan", Content: "ship it"}

	t.Run("html", func(t *testing.T) {
		res, err := newTestService().Export(context.Background(), note, FormatHTML)
		require.NoError(t, err)
		assert.Equal(t, "Release-plan.html", res.Filename)
		assert.Equal(t, "text/html; charset=utf-8", res.MimeType)
		assert.Contains(t, string(res.Data), "<p>ship it</p>")
	})

	t.Run("pdf", func(t *testing.T) {
		res, err := newTestService("chromium").Export(context.Background(), note, FormatPDF)
		require.NoError(t, err)
		assert.Equal(t, "Release-plan.pdf", res.Filename)
		assert.Equal(t, []byte("%PDF"), res.Data)
	})

	t.Run("pdf without chrome", func(t *testing.T) {
		_, err := newTestService().Export(context.Background(), note, FormatPDF)
		assert.ErrorIs(t, err, ErrDependencyMissing)
	})

	t.Run("docx without pandoc", func(t *testing.T) {
		_, err := newTestService("chromium").Export(context.Background(), note, FormatDOCX)
		assert.ErrorIs(t, err, ErrDependencyMissing)
	})

	t.Run("renderer failure", func(t *testing.T) {
		svc := newTestService("pandoc")
		svc.docx = func(ctx context.Context, html string) ([]byte, error) {
			return nil, errors.New("boom")
		}
		_, err := svc.Export(context.Background(), note, FormatDOCX)
		assert.EqualError(t, err, "boom")
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := newTestService().Export(context.Background(), note, Format("odt"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestAvailable(t *testing.T) {
	assert.Equal(t, []Format{FormatHTML}, newTestService().Available())
	assert.Equal(t, []Format{FormatHTML, FormatPDF, FormatDOCX}, newTestService("google-chrome", "pandoc").Available())
}
