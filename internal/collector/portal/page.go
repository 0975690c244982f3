package portal

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type heading struct {
	level int
	text  string
}

type link struct {
	URL  *url.URL
	text string
	nav  bool
}

type page struct {
	url      string
	status   string
	title    string
	headings []heading
	links    []link
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// parse reads at most limit bytes of HTML and resolves links against base.
func (p *page) parse(r io.Reader, limit int64, base *url.URL) error {
	doc, err := html.Parse(io.LimitReader(r, limit))
	if err != nil {
		return err
	}
	p.walk(doc, base, false)
	return nil
}

func (p *page) walk(n *html.Node, base *url.URL, inNav bool) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if p.title == "" {
				p.title = textOf(n)
			}
			return
		case atom.Script, atom.Style, atom.Noscript:
			return
		case atom.Nav:
			inNav = true
		case atom.A:
			if l, ok := resolve(n, base); ok {
				l.nav = inNav
				p.links = append(p.links, l)
			}
		}
		if level, ok := headingLevels[n.DataAtom]; ok {
			if text := textOf(n); text != "" {
				p.headings = append(p.headings, heading{level: level, text: text})
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c, base, inNav)
	}
}

// resolve turns an anchor into an absolute http(s) link without fragment.
func resolve(n *html.Node, base *url.URL) (link, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return link{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return link{}, false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return link{}, false
	}
	u.Fragment = ""
	text := textOf(n)
	if text == "" {
		text = u.String()
	}
	return link{URL: u, text: text}, true
}

// textOf returns the whitespace-collapsed text content of n.
func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
