package crawlengine

import "testing"

func TestFilterLinksDropsOffHost(t *testing.T) {
	links := []string{
		"https://docs.example.com/a",
		"https://other.com/b",
		"https://sub.docs.example.com/c",
	}
	out := filterLinks(links, "docs.example.com", 0)
	if len(out) != 2 {
		t.Fatalf("expected 2 same-host-or-subdomain links, got %d: %v", len(out), out)
	}
}

func TestFilterLinksCapsPerPage(t *testing.T) {
	links := []string{
		"https://docs.example.com/a",
		"https://docs.example.com/b",
		"https://docs.example.com/c",
	}
	out := filterLinks(links, "docs.example.com", 2)
	if len(out) != 2 {
		t.Fatalf("expected cap of 2, got %d: %v", len(out), out)
	}
}
