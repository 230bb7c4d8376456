package sending

import (
	"fmt"
	"html"
	"strings"

	"github.com/ignite/newsletter-engine/internal/domain"
)

const preheaderFmt = `<div style="display:none;font-size:1px;color:#ffffff;line-height:1px;max-height:0px;max-width:0px;opacity:0;overflow:hidden;">%s</div>`

// BodyHTML returns the template HTML with the preview text injected as a
// hidden preheader, which mail clients show next to the subject.
func BodyHTML(tpl domain.EmailTemplate) string {
	return InjectPreviewText(tpl.HTMLContent, tpl.PreviewText)
}

// InjectPreviewText inserts a hidden preheader right after <body>, or at the
// start of the document when there is no body tag.
func InjectPreviewText(body, previewText string) string {
	if strings.TrimSpace(previewText) == "" || body == "" {
		return body
	}
	pre := fmt.Sprintf(preheaderFmt, html.EscapeString(previewText))

	if i := strings.Index(strings.ToLower(body), "<body"); i >= 0 {
		if j := strings.Index(body[i:], ">"); j >= 0 {
			at := i + j + 1
			return body[:at] + pre + body[at:]
		}
	}
	return pre + body
}
