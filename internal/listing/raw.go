package listing

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RawItem is one untrusted record returned by the scrape provider, kept byte-for-byte.
type RawItem json.RawMessage

// MarshalJSON emits the original bytes.
func (r RawItem) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of the input bytes.
func (r *RawItem) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// ItemFields are the few raw-item fields the pipeline reads.
type ItemFields struct {
	URL      string
	GroupURL string
	Text     string
	Time     *time.Time
}

// Fields decodes the known fields leniently. Missing, null, or mistyped
// fields come back as zero values.
func (r RawItem) Fields() ItemFields {
	var doc map[string]any
	if err := json.Unmarshal(r, &doc); err != nil {
		return ItemFields{}
	}
	return ItemFields{
		URL:      stringField(doc, "url"),
		GroupURL: stringField(doc, "facebookUrl"),
		Text:     stringField(doc, "text"),
		Time:     timeField(doc["time"]),
	}
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timeField(v any) *time.Time {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n)
		}
	case float64:
		return unixTime(int64(val))
	}
	return nil
}

// unixTime accepts seconds or milliseconds since the epoch.
func unixTime(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	var t time.Time
	if n > 1e12 {
		t = time.UnixMilli(n).UTC()
	} else {
		t = time.Unix(n, 0).UTC()
	}
	return &t
}
