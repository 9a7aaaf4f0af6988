package template

import (
	"fmt"
	"net/url"
	"strings"
)

// senderPostalAddress is the postal address required on every outbound
// message by CAN-SPAM.
const senderPostalAddress = "123 Business Street, Suite 100, City, State 12345, USA"

const footerFormat = `
<div style="margin-top: 40px; padding-top: 20px; border-top: 1px solid #e5e7eb; font-size: 12px; color: #6b7280; text-align: center;">
  <p style="margin: 0 0 10px 0;">You received this email because you signed up for our mailing list.</p>
  <p style="margin: 0 0 10px 0;"><a href="%s" style="color: #2563eb; text-decoration: underline;">Unsubscribe from this list</a></p>
  <p style="margin: 0;">%s</p>
</div>
`

// AddComplianceFooter appends the unsubscribe/postal-address block to an
// HTML body, just before the closing body tag when one is present.
//
// The footer is a legal requirement on every outbound HTML body, and must
// be applied after personalization so the unsubscribe link itself is never
// templated away.
func AddComplianceFooter(html, baseURL, campaignID, recipientEmail string) string {
	unsubscribeURL := fmt.Sprintf("%s/unsubscribe?campaign=%s&email=%s",
		strings.TrimRight(baseURL, "/"), campaignID, url.QueryEscape(recipientEmail))

	footer := fmt.Sprintf(footerFormat, unsubscribeURL, senderPostalAddress)

	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", footer+"</body>", 1)
	}
	return html + footer
}
