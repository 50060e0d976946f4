package tabelog

import (
	"bytes"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"restlink/internal/errors"
	"restlink/internal/restaurant"
)

// class names of the listing page markup
const (
	classListInfo    = "rstlist-info"
	classItem        = "list-rst"
	className        = "list-rst__rst-name-target"
	classRating      = "list-rst__rating-val"
	classReviewCount = "list-rst__rvw-count-num"
	classAreaGenre   = "list-rst__area-genre"
)

// ParseListing extracts candidates from a search result page.
// A page without the result container is a parse failure: the site served
// something other than a listing (a captcha, a maintenance page).
func ParseListing(body []byte, baseURL string, limit int) ([]restaurant.RawCandidate, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Parse(string(restaurant.SourceTabelog), "unreadable listing page", err)
	}

	container := findFirst(doc, func(n *html.Node) bool { return hasClass(n, classListInfo) })
	if container == nil {
		return nil, errors.Parse(string(restaurant.SourceTabelog), "listing container not found", nil)
	}

	base, _ := url.Parse(baseURL)
	var out []restaurant.RawCandidate
	for _, item := range findAll(container, func(n *html.Node) bool { return hasClass(n, classItem) }) {
		c, ok := parseItem(item, base)
		if !ok {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseItem(item *html.Node, base *url.URL) (restaurant.RawCandidate, bool) {
	link := findFirst(item, func(n *html.Node) bool { return hasClass(n, className) })
	if link == nil {
		return restaurant.RawCandidate{}, false
	}
	name := textContent(link)
	if name == "" {
		return restaurant.RawCandidate{}, false
	}

	c := restaurant.RawCandidate{
		SourceID: restaurant.SourceTabelog,
		Name:     name,
	}

	if href := attr(link, "href"); href != "" {
		if u, err := url.Parse(href); err == nil {
			if base != nil {
				u = base.ResolveReference(u)
			}
			u.RawQuery = ""
			u.Fragment = ""
			c.URL = u.String()
			c.ExternalID = path.Base(strings.TrimRight(u.Path, "/"))
		}
	}

	if n := findFirst(item, func(n *html.Node) bool { return hasClass(n, classRating) }); n != nil {
		if v, err := strconv.ParseFloat(textContent(n), 64); err == nil {
			c.Rating = &v
		}
	}
	if n := findFirst(item, func(n *html.Node) bool { return hasClass(n, classReviewCount) }); n != nil {
		raw := strings.ReplaceAll(textContent(n), ",", "")
		if v, err := strconv.Atoi(raw); err == nil {
			c.ReviewCount = &v
		}
	}
	if n := findFirst(item, func(n *html.Node) bool { return hasClass(n, classAreaGenre) }); n != nil {
		c.LocationHint.Text, c.Categories = splitAreaGenre(textContent(n))
	}
	return c, true
}

// splitAreaGenre splits "[東京] 新宿駅 510m / 寿司、海鮮" into area and genres
func splitAreaGenre(s string) (string, []string) {
	area, genre, _ := strings.Cut(s, "/")

	var words []string
	for _, w := range strings.Fields(area) {
		w = strings.Trim(w, "[]［］")
		if w == "" || isDistance(w) {
			continue
		}
		words = append(words, w)
	}

	var genres []string
	for _, g := range strings.FieldsFunc(genre, func(r rune) bool { return r == '、' || r == ',' }) {
		if g = strings.TrimSpace(g); g != "" {
			genres = append(genres, g)
		}
	}
	return strings.Join(words, " "), genres
}

// isDistance matches "510m" and "1.2km"
func isDistance(w string) bool {
	num := strings.TrimSuffix(strings.TrimSuffix(w, "km"), "m")
	if num == w || num == "" {
		return false
	}
	_, err := strconv.ParseFloat(num, 64)
	return err == nil
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns matching nodes without descending into a match
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if match(c) {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
