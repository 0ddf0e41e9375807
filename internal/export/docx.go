package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// renderDOCX converts the page with pandoc, reading HTML on stdin and
// writing the document to stdout.
func renderDOCX(ctx context.Context, html string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "pandoc", "--from=html", "--to=docx", "--standalone", "--output=-")
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pandoc: %s", msg)
		}
		return nil, fmt.Errorf("pandoc: %w", err)
	}
	return stdout.Bytes(), nil
}
