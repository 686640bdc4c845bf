package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// Column widths of the businesses table.
const (
	maxNameLen     = 255
	maxAddressLen  = 500
	maxPhoneLen    = 50
	maxWebsiteLen  = 500
	maxCategoryLen = 100
)

// Reasons a business record is dropped.
const (
	ReasonMissingName         = "missing_name"
	ReasonRatingOutOfRange    = "rating_out_of_range"
	ReasonNegativeReviewCount = "negative_review_count"
	ReasonReviewCountTooLarge = "review_count_out_of_range"
)

// RecordError explains why a single business record was dropped. It wraps
// fleet.ErrValidation.
type RecordError struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("business record %d (%q): %s: %s", e.Index, e.Name, e.Reason, e.Detail)
}

// Unwrap lets errors.Is match fleet.ErrValidation.
func (e *RecordError) Unwrap() error {
	return fleet.ErrValidation
}

// CleanRecord validates one scraped record and converts it to a Business.
// Range violations on rating or review_count drop the record; out-of-range
// coordinates are cleared and reported in warnings.
func CleanRecord(index int, rec fleet.BusinessRecord) (fleet.Business, []string, error) {
	name := truncate(rec.Name, maxNameLen)
	if name == "" {
		return fleet.Business{}, nil, &RecordError{Index: index, Reason: ReasonMissingName, Detail: "name is empty"}
	}
	if r := rec.Rating; r != nil && (math.IsNaN(*r) || *r < 0 || *r > 5) {
		return fleet.Business{}, nil, &RecordError{
			Index:  index,
			Name:   name,
			Reason: ReasonRatingOutOfRange,
			Detail: fmt.Sprintf("rating %g outside [0,5]", *r),
		}
	}
	if c := rec.ReviewCount; c != nil && *c < 0 {
		return fleet.Business{}, nil, &RecordError{
			Index:  index,
			Name:   name,
			Reason: ReasonNegativeReviewCount,
			Detail: fmt.Sprintf("review_count %d is negative", *c),
		}
	}
	if c := rec.ReviewCount; c != nil && int64(*c) > math.MaxInt32 {
		return fleet.Business{}, nil, &RecordError{
			Index:  index,
			Name:   name,
			Reason: ReasonReviewCountTooLarge,
			Detail: fmt.Sprintf("review_count %d does not fit a 32-bit column", *c),
		}
	}

	var warnings []string
	lat, lng := rec.Latitude, rec.Longitude
	if lat != nil && (math.IsNaN(*lat) || *lat < -90 || *lat > 90) {
		warnings = append(warnings, fmt.Sprintf("latitude %g cleared", *lat))
		lat = nil
	}
	if lng != nil && (math.IsNaN(*lng) || *lng < -180 || *lng > 180) {
		warnings = append(warnings, fmt.Sprintf("longitude %g cleared", *lng))
		lng = nil
	}

	rec.Latitude, rec.Longitude = lat, lng
	raw, err := rawRecord(rec)
	if err != nil {
		return fleet.Business{}, nil, fmt.Errorf("encode raw record %d: %w", index, err)
	}

	return fleet.Business{
		Name:        name,
		Address:     truncate(rec.Address, maxAddressLen),
		Phone:       truncate(rec.Phone, maxPhoneLen),
		Website:     truncate(rec.Website, maxWebsiteLen),
		Category:    truncate(rec.Category, maxCategoryLen),
		Rating:      rec.Rating,
		ReviewCount: rec.ReviewCount,
		Latitude:    lat,
		Longitude:   lng,
		Raw:         raw,
		Status:      fleet.BusinessNew,
	}, warnings, nil
}

// nulEscape is the JSON spelling of U+0000, which JSONB rejects.
var nulEscape = []byte(`\u0000`)

// rawRecord returns the record's JSON with every NUL removed from its
// strings and object keys. Text columns reject NUL as well, so truncate
// strips it from the typed fields.
func rawRecord(rec fleet.BusinessRecord) (json.RawMessage, error) {
	if len(rec.Raw) == 0 {
		rec.Name = stripNUL(rec.Name)
		rec.Address = stripNUL(rec.Address)
		rec.Phone = stripNUL(rec.Phone)
		rec.Website = stripNUL(rec.Website)
		rec.Category = stripNUL(rec.Category)
		return json.Marshal(rec)
	}
	if !bytes.Contains(rec.Raw, nulEscape) && bytes.IndexByte(rec.Raw, 0) < 0 {
		return rec.Raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(bytes.ReplaceAll(rec.Raw, []byte{0}, nil)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(scrubNUL(doc))
}

func scrubNUL(v any) any {
	switch t := v.(type) {
	case string:
		return stripNUL(t)
	case []any:
		for i := range t {
			t[i] = scrubNUL(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[stripNUL(k)] = scrubNUL(val)
		}
		return out
	default:
		return v
	}
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// truncate strips NULs, trims s and cuts it to at most n runes.
func truncate(s string, n int) string {
	s = strings.TrimSpace(stripNUL(s))
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
