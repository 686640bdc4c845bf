// Package collysource implements fleet.GeoSource against an HTTP geography
// directory using gocolly.
//
// The directory serves two JSON documents:
//
//	GET {base}/countries/{iso}/cities              {"cities":[{"name":"Paris","code":"PAR"}]}
//	GET {base}/countries/{iso}/cities/{city}/areas {"areas":[{"name":"Le Marais"}]}
//
// where {city} is the city code, or its name when it has no code.
package collysource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Source fetches city and area listings over HTTP.
type Source struct {
	cfg           Config
	base          *url.URL
	baseCollector *colly.Collector
}

var _ fleet.GeoSource = (*Source)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Source for cfg.BaseURL.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("geosource.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse geosource.base_url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Source{cfg: cfg, base: base, baseCollector: c}, nil
}

type citiesDocument struct {
	Cities []fleet.CitySeed `json:"cities"`
}

type areasDocument struct {
	Areas []fleet.AreaSeed `json:"areas"`
}

// Cities lists the cities of a country.
func (s *Source) Cities(ctx context.Context, country fleet.Country) ([]fleet.CitySeed, error) {
	var doc citiesDocument
	target := s.endpoint("countries", country.ISOCode, "cities")
	if err := s.fetchJSON(ctx, target, &doc); err != nil {
		return nil, fmt.Errorf("list cities of %s: %w", country.ISOCode, err)
	}
	return doc.Cities, nil
}

// Areas lists the areas of a city.
func (s *Source) Areas(ctx context.Context, country fleet.Country, city fleet.City) ([]fleet.AreaSeed, error) {
	key := city.Code
	if key == "" {
		key = city.Name
	}
	var doc areasDocument
	target := s.endpoint("countries", country.ISOCode, "cities", key, "areas")
	if err := s.fetchJSON(ctx, target, &doc); err != nil {
		return nil, fmt.Errorf("list areas of %s: %w", city.Name, err)
	}
	return doc.Areas, nil
}

func (s *Source) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return s.base.String() + "/" + strings.Join(escaped, "/")
}

func (s *Source) fetchJSON(ctx context.Context, target string, into any) error {
	var (
		body     []byte
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	configureHooks(collector, &body, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("geography fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return fmt.Errorf("geography response failed: %w", fetchErr)
		}
		if err != nil {
			return fmt.Errorf("geography visit failed: %w", err)
		}
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode geography document: %w", err)
	}
	return nil
}

func configureHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
