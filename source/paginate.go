package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Account is one paginated source account to synchronize.
type Account struct {
	ID string `yaml:"id" json:"id"`
	// Handle replaces {account} in the page template. Defaults to ID.
	Handle string `yaml:"handle" json:"handle,omitempty"`
	// PageTemplate is a URL with {account} and {before} placeholders.
	PageTemplate string `yaml:"page_template" json:"page_template"`
}

// Paginator builds the URL of the page holding items at or older than
// before. A zero before asks for the newest page. Callers dedupe the
// overlap by natural key.
type Paginator interface {
	PageURL(account Account, before time.Time) (string, error)
}

// TemplatePaginator expands Account.PageTemplate. {before} is an exclusive
// Unix timestamp in seconds, so it is set to the second after before; when
// before is zero the query parameter carrying {before} is dropped.
type TemplatePaginator struct{}

// PageURL implements Paginator.
func (TemplatePaginator) PageURL(account Account, before time.Time) (string, error) {
	if account.PageTemplate == "" {
		return "", fmt.Errorf("source: account %q has no page template", account.ID)
	}
	handle := account.Handle
	if handle == "" {
		handle = account.ID
	}
	raw := strings.ReplaceAll(account.PageTemplate, "{account}", url.PathEscape(handle))

	if !before.IsZero() {
		// Posts in the cursor's own second may not all have been merged yet.
		secs := before.Unix() + 1
		raw = strings.ReplaceAll(raw, "{before}", strconv.FormatInt(secs, 10))
		return raw, nil
	}

	u, err := url.Parse(strings.ReplaceAll(raw, "{before}", ""))
	if err != nil {
		return "", fmt.Errorf("source: page template: %w", err)
	}
	q := u.Query()
	for k, vals := range q {
		if len(vals) == 1 && vals[0] == "" {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
