package crawlengine

import (
	"net/url"
	"strings"
)

// filterLinks restricts a page's discovered links to its own host or a
// subdomain of it (so an off-host link never reaches the queue, even
// before the allow/ignore gates run; the BFS scope check still decides
// whether a subdomain is crawled) and caps how many a single page may contribute, protecting
// the BFS queue from a page with an unusually large link count. A zero
// or negative max disables the cap.
func filterLinks(links []string, baseHost string, max int) []string {
	if len(links) == 0 {
		return links
	}

	filtered := make([]string, 0, len(links))
	for _, link := range links {
		if link == "" {
			continue
		}
		lu, err := url.Parse(link)
		if err != nil {
			continue
		}
		if lu.Host != "" && !strings.EqualFold(lu.Host, baseHost) && !strings.HasSuffix(strings.ToLower(lu.Host), "."+strings.ToLower(baseHost)) {
			continue
		}

		filtered = append(filtered, link)
		if max > 0 && len(filtered) >= max {
			break
		}
	}

	return filtered
}
