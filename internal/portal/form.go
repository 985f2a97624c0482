package portal

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"

	"courtbot/internal/prefs"
)

// Form is a fetched booking form: hidden fields including the single-use
// anti-forgery token.
type Form struct {
	Fields    map[string]string
	Referer   string
	FetchedAt time.Time
	Date      string
	Start     prefs.Clock
	Minutes   int
}

var requiredFormFields = []string{"__RequestVerificationToken", "Id", "OrgId", "Date"}

var reFormURL = regexp.MustCompile(`url:\s*fixUrl\('([^']+CreateReservation[^']+)'`)

// FetchBookingForm loads the wrapper page, follows the embedded form URL and
// collects the form's hidden inputs.
func (c *Client) FetchBookingForm(ctx context.Context, date string, start prefs.Clock, minutes int) (*Form, error) {
	var f *Form
	err := c.withSession(ctx, "form", func() error {
		var err error
		f, err = c.fetchForm(ctx, date, start, minutes)
		return err
	})
	return f, err
}

func (c *Client) fetchForm(ctx context.Context, date string, start prefs.Clock, minutes int) (*Form, error) {
	disp, _, err := portalDate(date)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("start", disp+" "+kitchenSeconds(start))
	q.Set("end", disp+" "+endOf(start, minutes).Kitchen())
	q.Set("courtType", c.venue.CourtType)
	q.Set("customSchedulerId", c.venue.SchedulerID)
	wrapperURL := fmt.Sprintf("%s/Online/Reservations/CreateReservation/%s?%s", c.cfg.AppURL, c.venue.OrgID, q.Encode())

	wrapper, err := c.do(ctx, request{op: "form.wrapper", method: http.MethodGet, url: wrapperURL, headers: xhrHeaders(nil)})
	if err != nil {
		return nil, err
	}
	m := reFormURL.FindSubmatch(wrapper)
	if m == nil {
		return nil, ErrNoFormURL
	}
	formURL, err := resolveURL(wrapperURL, html.UnescapeString(string(m[1])))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFormURL, err)
	}

	page, err := c.do(ctx, request{op: "form", method: http.MethodGet, url: formURL, headers: map[string]string{"Referer": wrapperURL}})
	if err != nil {
		return nil, err
	}
	fields, err := hiddenInputs(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("portal form: parse: %w", err)
	}
	var missing []string
	for _, k := range requiredFormFields {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrFormMissing, strings.Join(missing, ", "))
	}
	return &Form{
		Fields:    fields,
		Referer:   wrapperURL,
		FetchedAt: c.now(),
		Date:      date,
		Start:     start,
		Minutes:   minutes,
	}, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// hiddenInputs collects name/value pairs of <input type="hidden"> elements.
func hiddenInputs(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	z := xhtml.NewTokenizer(r)
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			if z.Err() == io.EOF {
				return out, nil
			}
			return out, z.Err()
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			if string(tn) != "input" || !hasAttr {
				continue
			}
			var typ, name, value string
			for {
				k, v, more := z.TagAttr()
				switch string(k) {
				case "type":
					typ = strings.ToLower(string(v))
				case "name":
					name = string(v)
				case "value":
					value = string(v)
				}
				if !more {
					break
				}
			}
			if typ == "hidden" && name != "" {
				out[name] = value
			}
		}
	}
}
