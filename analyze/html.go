// Package analyze provides the per-page analysis functions the aggregation
// engine fans out over fetched captures: link extraction, text extraction,
// and signature-based technology detection. Every function is idempotent and
// side-effect-free so results are safe to run concurrently and to memoize.
package analyze

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Technology is one detected platform component.
type Technology struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Links returns the href targets of anchor tags, resolved against baseURL.
// Fragment-only, javascript:, and mailto: targets are dropped. Unparsable
// documents yield whatever links were found before the parse gave up; the
// html parser is tolerant by design and does not fail on broken markup.
func Links(body []byte, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var links []string
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.Data != "a" {
			continue
		}
		for _, attr := range n.Attr {
			if attr.Key != "href" {
				continue
			}
			href := strings.TrimSpace(attr.Val)
			if href == "" || strings.HasPrefix(href, "#") ||
				strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
				break
			}
			if base != nil {
				if resolved, err := base.Parse(href); err == nil {
					href = resolved.String()
				}
			}
			links = append(links, href)
			break
		}
	}
	return links
}

// Text returns the visible text of a document with script and style
// contents removed, whitespace-collapsed.
func Text(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(sb.String()), " ")
}

// signature maps a substring of the page body or a header value to a
// detected technology.
type signature struct {
	marker string
	tech   Technology
}

var bodySignatures = []signature{
	{"wp-content", Technology{"WordPress", "cms"}},
	{"wp-includes", Technology{"WordPress", "cms"}},
	{"drupal", Technology{"Drupal", "cms"}},
	{"joomla", Technology{"Joomla", "cms"}},
	{"shopify", Technology{"Shopify", "ecommerce"}},
	{"woocommerce", Technology{"WooCommerce", "ecommerce"}},
	{"magento", Technology{"Magento", "ecommerce"}},
	{"jquery", Technology{"jQuery", "javascript-library"}},
	{"react", Technology{"React", "javascript-framework"}},
	{"angular", Technology{"Angular", "javascript-framework"}},
	{"vue.js", Technology{"Vue.js", "javascript-framework"}},
	{"bootstrap", Technology{"Bootstrap", "css-framework"}},
	{"tailwind", Technology{"Tailwind CSS", "css-framework"}},
	{"google-analytics", Technology{"Google Analytics", "analytics"}},
	{"googletagmanager", Technology{"Google Tag Manager", "analytics"}},
}

var serverSignatures = []signature{
	{"nginx", Technology{"Nginx", "web-server"}},
	{"apache", Technology{"Apache", "web-server"}},
	{"iis", Technology{"IIS", "web-server"}},
	{"cloudflare", Technology{"Cloudflare", "cdn"}},
	{"litespeed", Technology{"LiteSpeed", "web-server"}},
}

var poweredBySignatures = []signature{
	{"php", Technology{"PHP", "programming-language"}},
	{"asp.net", Technology{"ASP.NET", "web-framework"}},
	{"express", Technology{"Express", "web-framework"}},
	{"next.js", Technology{"Next.js", "javascript-framework"}},
}

// Technologies detects platform components from a capture's body and
// response headers. Each technology is reported at most once per page.
func Technologies(body []byte, headers map[string]string) []Technology {
	seen := make(map[string]bool)
	var found []Technology

	add := func(t Technology) {
		if !seen[t.Name] {
			seen[t.Name] = true
			found = append(found, t)
		}
	}

	lowerBody := strings.ToLower(string(body))
	for _, sig := range bodySignatures {
		if strings.Contains(lowerBody, sig.marker) {
			add(sig.tech)
		}
	}

	for name, value := range headers {
		lowerValue := strings.ToLower(value)
		switch strings.ToLower(name) {
		case "server":
			for _, sig := range serverSignatures {
				if strings.Contains(lowerValue, sig.marker) {
					add(sig.tech)
				}
			}
		case "x-powered-by":
			for _, sig := range poweredBySignatures {
				if strings.Contains(lowerValue, sig.marker) {
					add(sig.tech)
				}
			}
		}
	}

	return found
}
