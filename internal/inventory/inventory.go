// Package inventory lists reachable domains from an HTML inventory page,
// such as an asset register or a directory admin portal.
package inventory

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/alvmarrod/trust-carto/internal/task"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]*[a-z0-9])?(\.[a-z0-9_]([a-z0-9_-]*[a-z0-9])?)*$`)

// Source scrapes domain names from the elements matching Selector.
// The name is read from Attr, or from the element text when Attr is empty.
type Source struct {
	URL      string
	Selector string
	Attr     string
	Timeout  time.Duration
}

// ListReachableDomains fetches the inventory page once, using the request credential for basic auth
func (s *Source) ListReachableDomains(ctx context.Context, settings explorer.NetworkSettings) ([]string, error) {
	target, err := url.Parse(s.URL)
	if err != nil || target.Host == "" {
		return nil, &task.ConfigError{Setting: "inventory_url", Err: fmt.Errorf("invalid url %q", s.URL)}
	}

	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.MaxDepth(1),
	)
	if s.Timeout > 0 {
		c.SetRequestTimeout(s.Timeout)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var domains []string
	var visitErr error

	c.OnRequest(func(r *colly.Request) {
		if !settings.Credential.Empty() {
			token := base64.StdEncoding.EncodeToString(
				[]byte(settings.Credential.Username + ":" + settings.Credential.Password))
			r.Headers.Set("Authorization", "Basic "+token)
		}
	})

	c.OnHTML(s.selector(), func(e *colly.HTMLElement) {
		raw := e.Text
		if s.Attr != "" {
			raw = e.Attr(s.Attr)
		}

		domain := ExtractDomain(raw)
		if domain == "" {
			logrus.Debugf("Ignoring inventory entry %q", raw)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if !seen[domain] {
			seen[domain] = true
			domains = append(domains, domain)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil {
			logrus.Errorf("Inventory fetch failed for %s: %v (status: %d)", r.Request.URL, err, r.StatusCode)
		}
		visitErr = classify(target.Host, r, err)
	})

	if err := c.Visit(target.String()); err != nil && visitErr == nil {
		visitErr = classify(target.Host, nil, err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("inventory %s: %w", target.Host, ctx.Err())
	}
	if visitErr != nil {
		return nil, visitErr
	}

	sort.Strings(domains)
	logrus.Infof("Inventory %s listed %d domains", target.Host, len(domains))
	return domains, nil
}

func (s *Source) selector() string {
	if s.Selector == "" {
		return "a[data-domain]"
	}
	return s.Selector
}

func classify(host string, r *colly.Response, err error) error {
	if r != nil {
		switch r.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &task.AccessDeniedError{Resource: host, Err: err}
		}
	}
	return &task.NetworkError{Host: host, Err: err}
}

// ExtractDomain returns the lower-cased domain named by an inventory entry,
// which is either a bare domain name or a URL. Returns "" for anything else.
func ExtractDomain(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}

	if strings.HasPrefix(entry, "//") {
		entry = "https:" + entry
	}
	if strings.Contains(entry, "://") {
		parsed, err := url.Parse(entry)
		if err != nil {
			return ""
		}
		entry = parsed.Hostname()
	}

	domain := strings.TrimSuffix(strings.ToLower(entry), ".")
	if !domainPattern.MatchString(domain) {
		return ""
	}
	return domain
}
