package export

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfFooter = `<div style="width:100%;font-size:8px;color:#6b7280;text-align:center;">` +
	`<span class="pageNumber"></span> / <span class="totalPages"></span></div>`

var chromeFlags = []chromedp.ExecAllocatorOption{
	chromedp.Flag("headless", true),
	chromedp.Flag("disable-gpu", true),
	chromedp.Flag("no-sandbox", true),
	chromedp.Flag("disable-dev-shm-usage", true),
}

// renderPDF loads the page into a blank headless Chrome tab and prints it
// with a page counter in the footer.
func renderPDF(ctx context.Context, html string) ([]byte, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:], chromeFlags...)...)
	defer cancelAlloc()
	tab, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var out []byte
	err := chromedp.Run(tab,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(pdfFooter).
				Do(ctx)
			out = data
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return out, nil
}
