package headless

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

var (
	ratingPattern = regexp.MustCompile(`([0-9]+(?:[.,][0-9])?)\s*stars?`)
	reviewPattern = regexp.MustCompile(`([0-9][0-9,.\s]*)\s*[Rr]eviews?`)
	coordPattern  = regexp.MustCompile(`!3d(-?[0-9]+\.[0-9]+)!4d(-?[0-9]+\.[0-9]+)`)
	phonePattern  = regexp.MustCompile(`^\+?[0-9][0-9\s().-]{5,}[0-9]$`)
)

// ExtractionMethod names how ParseListings found its cards; the agent
// reports it in the completion log.
const ExtractionMethod = "feed_cards"

// ParseListings extracts business cards from a rendered results page. A
// maxResults of zero means no limit. Each record's Raw holds the fields as
// extracted, so the server can archive exactly what was seen.
func ParseListings(html string, maxResults int) ([]fleet.BusinessRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	records := make([]fleet.BusinessRecord, 0)
	seen := make(map[string]struct{})
	doc.Find(`div[role="article"]`).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		rec, ok := parseCard(card)
		if !ok {
			return true
		}
		key := strings.ToLower(rec.Name + "|" + rec.Address)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		raw, err := json.Marshal(rawListing(rec))
		if err == nil {
			rec.Raw = raw
		}
		records = append(records, rec)
		return maxResults <= 0 || len(records) < maxResults
	})
	return records, nil
}

func parseCard(card *goquery.Selection) (fleet.BusinessRecord, bool) {
	var rec fleet.BusinessRecord
	rec.Name = strings.TrimSpace(card.AttrOr("aria-label", ""))
	if rec.Name == "" {
		rec.Name = cleanText(card.Find(".qBF1Pd").First().Text())
	}
	if rec.Name == "" {
		return rec, false
	}

	if label, ok := card.Find(`span[role="img"]`).First().Attr("aria-label"); ok {
		if m := ratingPattern.FindStringSubmatch(label); m != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
				rec.Rating = &v
			}
		}
		if m := reviewPattern.FindStringSubmatch(label); m != nil {
			digits := strings.Map(func(r rune) rune {
				if r >= '0' && r <= '9' {
					return r
				}
				return -1
			}, m[1])
			if n, err := strconv.Atoi(digits); err == nil {
				rec.ReviewCount = &n
			}
		}
	}

	if href, ok := card.Find("a.hfpxzc").First().Attr("href"); ok {
		if m := coordPattern.FindStringSubmatch(href); m != nil {
			lat, latErr := strconv.ParseFloat(m[1], 64)
			lng, lngErr := strconv.ParseFloat(m[2], 64)
			if latErr == nil && lngErr == nil {
				rec.Latitude, rec.Longitude = &lat, &lng
			}
		}
	}
	if href, ok := card.Find(`a[data-value="Website"]`).First().Attr("href"); ok {
		rec.Website = strings.TrimSpace(href)
	}

	// Detail lines look like "Plumber · 12 Rue de Rivoli" and "Open 24 hours · +33 1 23 45 67 89".
	card.Find(".W4Efsd .W4Efsd").Each(func(i int, line *goquery.Selection) {
		parts := splitDetail(line.Text())
		for j, part := range parts {
			switch {
			case phonePattern.MatchString(part):
				if rec.Phone == "" {
					rec.Phone = part
				}
			case i == 0 && j == 0:
				rec.Category = part
			case i == 0 && rec.Address == "":
				rec.Address = part
			}
		}
	})
	return rec, true
}

func splitDetail(text string) []string {
	fields := strings.Split(text, "·")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = cleanText(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func rawListing(rec fleet.BusinessRecord) map[string]any {
	raw := map[string]any{"name": rec.Name, "extraction_method": ExtractionMethod}
	if rec.Address != "" {
		raw["address"] = rec.Address
	}
	if rec.Phone != "" {
		raw["phone"] = rec.Phone
	}
	if rec.Website != "" {
		raw["website"] = rec.Website
	}
	if rec.Category != "" {
		raw["category"] = rec.Category
	}
	if rec.Rating != nil {
		raw["rating"] = *rec.Rating
	}
	if rec.ReviewCount != nil {
		raw["review_count"] = *rec.ReviewCount
	}
	if rec.Latitude != nil && rec.Longitude != nil {
		raw["latitude"], raw["longitude"] = *rec.Latitude, *rec.Longitude
	}
	return raw
}
