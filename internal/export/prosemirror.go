package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// ContentToHTML renders note content. Block-editor documents are JSON with a "doc" root;
// anything else is treated as plain text split into paragraphs on blank lines.
func ContentToHTML(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && doc["type"] == "doc" {
			return ProseMirrorToHTML(doc)
		}
	}
	return plainTextToHTML(trimmed)
}

func plainTextToHTML(text string) string {
	if text == "" {
		return ""
	}
	var result strings.Builder
	for _, paragraph := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		escaped := html.EscapeString(paragraph)
		fmt.Fprintf(&result, "<p>%s</p>\n", strings.ReplaceAll(escaped, "\n", "<br>"))
	}
	return result.String()
}

// PlainText flattens note content for search indexing.
func PlainText(content string) string {
	trimmed := strings.TrimSpace(content)
	var doc map[string]interface{}
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &doc) != nil || doc["type"] != "doc" {
		return trimmed
	}
	var parts []string
	collectText(doc, &parts)
	return strings.Join(parts, " ")
}

func collectText(node map[string]interface{}, parts *[]string) {
	if text, ok := node["text"].(string); ok && text != "" {
		*parts = append(*parts, text)
	}
	if node["type"] == "mention" {
		if label := mentionLabel(node); label != "" {
			*parts = append(*parts, label)
		}
	}
	items, _ := node["content"].([]interface{})
	for _, item := range items {
		if child, ok := item.(map[string]interface{}); ok {
			collectText(child, parts)
		}
	}
}

func mentionLabel(node map[string]interface{}) string {
	attrs, _ := node["attrs"].(map[string]interface{})
	if label, ok := attrs["label"].(string); ok && label != "" {
		return label
	}
	id, _ := attrs["id"].(string)
	return id
}

// ProseMirrorToHTML converts ProseMirror JSON to HTML
func ProseMirrorToHTML(doc interface{}) string {
	if doc == nil {
		return ""
	}

	// Handle map[string]interface{} from JSON unmarshaling
	root, ok := doc.(map[string]interface{})
	if !ok {
		return ""
	}

	return renderNode(root)
}

// renderNode recursively renders a ProseMirror node to HTML
func renderNode(node map[string]interface{}) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}

	switch nodeType {
	case "doc":
		return renderContent(node["content"])
	case "paragraph":
		content := renderContent(node["content"])
		return fmt.Sprintf("<p>%s</p>\n", content)
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]interface{}); ok {
			if lvl, ok := attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
				level = int(lvl)
			}
		}
		content := renderContent(node["content"])
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, content, level)
	case "bulletList":
		content := renderContent(node["content"])
		return fmt.Sprintf("<ul>\n%s</ul>\n", content)
	case "orderedList":
		content := renderContent(node["content"])
		return fmt.Sprintf("<ol>\n%s</ol>\n", content)
	case "listItem":
		content := renderContent(node["content"])
		return fmt.Sprintf("<li>%s</li>\n", content)
	case "blockquote":
		content := renderContent(node["content"])
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", content)
	case "codeBlock":
		var code strings.Builder
		items, _ := node["content"].([]interface{})
		for _, item := range items {
			if child, ok := item.(map[string]interface{}); ok {
				text, _ := child["text"].(string)
				code.WriteString(text)
			}
		}
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(code.String()))
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]interface{})
		return renderTextWithMarks(text, marks)
	case "hardBreak":
		return "<br>"
	case "mention":
		return fmt.Sprintf(`<span class="mention">@%s</span>`, html.EscapeString(mentionLabel(node)))
	case "taskList":
		return fmt.Sprintf("<ul class=\"tasks\">\n%s</ul>\n", renderContent(node["content"]))
	case "taskItem":
		box := "&#9744;"
		if attrs, ok := node["attrs"].(map[string]interface{}); ok && attrs["checked"] == true {
			box = "&#9745;"
		}
		return fmt.Sprintf("<li>%s %s</li>\n", box, renderContent(node["content"]))
	case "table":
		content := renderContent(node["content"])
		return fmt.Sprintf("<table>\n%s</table>\n", content)
	case "tableRow":
		content := renderContent(node["content"])
		return fmt.Sprintf("<tr>\n%s</tr>\n", content)
	case "tableCell":
		content := renderContent(node["content"])
		return fmt.Sprintf("<td>%s</td>\n", content)
	case "tableHeader":
		content := renderContent(node["content"])
		return fmt.Sprintf("<th>%s</th>\n", content)
	case "horizontalRule":
		return "<hr>\n"
	default:
		// Unknown node type - render content if any
		return renderContent(node["content"])
	}
}

// renderContent renders a slice of content nodes
func renderContent(content interface{}) string {
	if content == nil {
		return ""
	}

	items, ok := content.([]interface{})
	if !ok {
		return ""
	}

	var result strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]interface{}); ok {
			result.WriteString(renderNode(node))
		}
	}
	return result.String()
}

// renderTextWithMarks renders text with formatting marks
func renderTextWithMarks(text string, marks []interface{}) string {
	if text == "" {
		return ""
	}

	htmlText := html.EscapeString(text)

	if len(marks) == 0 {
		return htmlText
	}

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]interface{})
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)

		switch markType {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]interface{}); ok {
				if hrefVal, ok := attrs["href"].(string); ok {
					href = hrefVal
				}
			}
			if !safeHref(href) {
				continue
			}
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		}
	}

	return htmlText
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "/") || strings.HasPrefix(lower, "#")
}
