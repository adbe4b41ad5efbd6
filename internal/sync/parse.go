package sync

import (
	"net/mail"
	"strings"

	"golang.org/x/net/html"
)

// address is a normalized mailbox address from a header
type address struct {
	Email  string
	Name   string
	Domain string
}

// parseAddresses parses an address-list header. Entries that do not parse strictly are
// kept when they still look like an address.
func parseAddresses(header string) []address {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(header); err == nil {
		out := make([]address, 0, len(list))
		for _, a := range list {
			if addr, ok := normalizeAddress(a.Address, a.Name); ok {
				out = append(out, addr)
			}
		}
		return out
	}

	var out []address
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil {
			if addr, ok := normalizeAddress(a.Address, a.Name); ok {
				out = append(out, addr)
			}
			continue
		}

		email := part
		if i := strings.LastIndex(part, "<"); i >= 0 {
			email = strings.TrimSuffix(part[i+1:], ">")
		}
		if addr, ok := normalizeAddress(email, ""); ok {
			out = append(out, addr)
		}
	}
	return out
}

func normalizeAddress(email, name string) (address, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return address{}, false
	}
	return address{
		Email:  email,
		Name:   strings.Trim(strings.TrimSpace(name), `"'`),
		Domain: email[at+1:],
	}, true
}

// bodyText prefers the plain-text part and falls back to the HTML part rendered as text
func bodyText(meta *MessageMeta) string {
	if plain := strings.TrimSpace(meta.PlainBody); plain != "" {
		return plain
	}
	if meta.HTMLBody != "" {
		return htmlToText(meta.HTMLBody)
	}
	return ""
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "hr": true, "ul": true, "ol": true,
}

// htmlToText renders the visible text of an HTML document, one block per line
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return strings.TrimSpace(src)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head", "title":
				return
			}
			if blockElements[n.Data] {
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
