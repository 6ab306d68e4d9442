package probes

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// Hidden field names frameworks use for anti-forgery tokens
var csrfTokenNames = []string{
	"csrf", "xsrf", "_token", "authenticity_token", "csrfmiddlewaretoken",
	"__requestverificationtoken", "nonce",
}

const forgedOrigin = "https://attacker.example"

// form is a state-changing HTML form found on a page.
type form struct {
	Action string
	Method string
	Fields url.Values
	Token  string
}

// CSRF looks for state-changing forms without an anti-forgery token and
// for session cookies that cross-site requests would carry.
type CSRF struct {
	client *HTTPClient
}

// NewCSRF creates the csrf executor.
func NewCSRF(client *HTTPClient) *CSRF {
	return &CSRF{client: client}
}

// Run fetches target, inspects its forms and cookies, and replays token-less
// forms with a foreign Origin.
func (c *CSRF) Run(ctx context.Context, target string) ([]schema.Finding, error) {
	pg, err := c.client.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	base, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}

	forms, err := parseForms(pg.Body, base)
	if err != nil {
		return nil, err
	}

	var findings []schema.Finding
	for _, f := range forms {
		if f.Token != "" {
			continue
		}
		finding := schema.Finding{
			Category:    schema.CategoryCSRF,
			Severity:    schema.Medium,
			URL:         f.Action,
			Description: fmt.Sprintf("%s form posting to %s carries no anti-forgery token", f.Method, f.Action),
			Evidence:    map[string]string{"method": f.Method, "fields": f.Fields.Encode()},
		}

		resp, err := c.client.PostForm(ctx, f.Action, f.Fields.Encode(), http.Header{
			"Origin":  {forgedOrigin},
			"Referer": {forgedOrigin + "/"},
		})
		if err == nil {
			finding.Evidence["forged_status"] = fmt.Sprint(resp.Status)
			if resp.Status < 400 {
				finding.Severity = schema.High
				finding.Description += "; a request from a foreign origin was accepted"
			}
		}
		findings = append(findings, finding)
	}

	for _, ck := range (&http.Response{Header: pg.Header}).Cookies() {
		if ck.SameSite == http.SameSiteLaxMode || ck.SameSite == http.SameSiteStrictMode {
			continue
		}
		findings = append(findings, schema.Finding{
			Category:    schema.CategoryCSRF,
			Severity:    schema.Low,
			URL:         target,
			Description: fmt.Sprintf("Cookie %q has a missing or weak SameSite attribute", ck.Name),
			Evidence:    map[string]string{"cookie": ck.Name, "set_cookie": ck.Raw},
		})
	}
	return findings, nil
}

// parseForms returns the non-GET forms of an HTML document with actions
// resolved against base.
func parseForms(body string, base *url.URL) ([]form, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var forms []form
	var walk func(n *html.Node, cur *form)
	walk = func(n *html.Node, cur *form) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Form:
				method := strings.ToUpper(attr(n, "method"))
				if method == "" {
					method = http.MethodGet
				}
				f := &form{Method: method, Fields: url.Values{}, Action: base.String()}
				if a := attr(n, "action"); a != "" {
					if u, err := base.Parse(a); err == nil {
						f.Action = u.String()
					}
				}
				for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
					walk(ch, f)
				}
				if f.Method != http.MethodGet {
					forms = append(forms, *f)
				}
				return
			case atom.Input, atom.Textarea, atom.Select:
				if cur != nil {
					name := attr(n, "name")
					if name != "" {
						cur.Fields.Set(name, attr(n, "value"))
						if strings.EqualFold(attr(n, "type"), "hidden") && isTokenName(name) {
							cur.Token = name
						}
					}
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch, cur)
		}
	}
	walk(doc, nil)
	return forms, nil
}

func isTokenName(name string) bool {
	n := strings.ToLower(name)
	for _, t := range csrfTokenNames {
		if strings.Contains(n, t) {
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
