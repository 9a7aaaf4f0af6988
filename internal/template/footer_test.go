package template

import (
	"strings"
	"testing"
)

func TestAddComplianceFooter(t *testing.T) {
	html := "<html><body><p>Hello</p></body></html>"
	got := AddComplianceFooter(html, "https://app.example.com", "42", "user+test@example.com")

	if !strings.Contains(got, "https://app.example.com/unsubscribe?campaign=42&email=user%2Btest%40example.com") {
		t.Errorf("footer missing url-encoded unsubscribe link:\n%s", got)
	}
	if !strings.Contains(got, senderPostalAddress) {
		t.Error("footer missing sender postal address")
	}

	// Inserted before the closing body tag, not after it.
	bodyIdx := strings.Index(got, "</body>")
	linkIdx := strings.Index(got, "Unsubscribe from this list")
	if linkIdx == -1 || bodyIdx == -1 || linkIdx > bodyIdx {
		t.Errorf("footer not inserted before </body> (link at %d, body at %d)", linkIdx, bodyIdx)
	}

	if n := strings.Count(got, "Unsubscribe from this list"); n != 1 {
		t.Errorf("footer applied %d times, want 1", n)
	}
}

func TestAddComplianceFooterNoBodyTag(t *testing.T) {
	got := AddComplianceFooter("<p>Hello</p>", "https://app.example.com/", "7", "a@b.co")

	if !strings.HasPrefix(got, "<p>Hello</p>") {
		t.Error("original content should be preserved at the start")
	}
	if !strings.Contains(got, "/unsubscribe?campaign=7&email=a%40b.co") {
		t.Errorf("footer missing unsubscribe link:\n%s", got)
	}
}
