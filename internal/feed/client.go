// Package feed downloads and normalizes the vendor's per-site logger
// documents: minute-resolution day files (min<yymmdd>.js / min_day.js)
// and the daily-aggregate history file (days_hist.js).
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
)

const (
	// DefaultBaseURL is the vendor's logger document root. Documents
	// live at <base>/<site>/visualisierung/<file>.
	DefaultBaseURL = "https://www.oekumenische-energiegenossenschaft.de/datenlogger"

	// dayStamp is the yymmdd form embedded in dated resource names.
	dayStamp = "060102"

	// minuteLayout is the timestamp format of minute-resolution rows.
	minuteLayout = "02.01.06 15:04:05"
	// dailyLayout is the timestamp format of daily-aggregate rows.
	dailyLayout = "02.01.06"
)

// assignmentRe extracts the quoted record payloads from a logger
// document, which is a sequence of javascript assignments of the form
// `m[0]="<record>"`.
var assignmentRe = regexp.MustCompile(`="([^"]+)"`)

// inverterIdxRe extracts the inverter number from a raw column label.
var inverterIdxRe = regexp.MustCompile(`(\d+)`)

// Client fetches and normalizes logger documents for all sites. Fetches
// are synchronous and carry no retry; retry policy lives in the backfill
// driver. Results are memoized in a small bounded in-process cache.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	cache   *dayCache
	now     func() time.Time // test hook
}

// NewClient creates a feed client. An empty baseURL selects the vendor
// default.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
		cache:   newDayCache(32, 5*time.Minute),
		now:     time.Now,
	}
}

func (c *Client) dayURL(site string, date time.Time) string {
	today := c.now().Format(dayStamp)
	stamp := date.Format(dayStamp)
	file := "min_day.js"
	if stamp != today {
		file = "min" + stamp + ".js"
	}
	return fmt.Sprintf("%s/%s/visualisierung/%s", c.baseURL, site, file)
}

// FetchDay downloads one site-day document and returns deduplicated
// long-form readings. It never persists anything. Today's resource is
// cached for five minutes, historic days for the process lifetime
// (bounded by cache size).
func (c *Client) FetchDay(ctx context.Context, site string, date time.Time) ([]solar.Reading, error) {
	ck := cacheKey{site: site, stamp: date.Format(dayStamp)}
	isToday := ck.stamp == c.now().Format(dayStamp)
	if rs, ok := c.cache.get(ck, isToday); ok {
		return rs, nil
	}

	url := c.dayURL(site, date)
	doc, err := c.download(ctx, url)
	if err != nil {
		return nil, err
	}

	readings, err := parseDayDocument(doc, url, site)
	if err != nil {
		return nil, err
	}

	c.cache.put(ck, readings)
	c.logger.Debug("day document fetched",
		"site", site,
		"date", date.Format(time.DateOnly),
		"readings", len(readings),
	)
	return readings, nil
}

// DailyYield is one inverter's aggregate yield for one calendar day,
// taken from the history document.
type DailyYield struct {
	Date     time.Time
	Inverter int
	Value    float64
}

// FetchHistory downloads the site's daily-aggregate history document
// (days_hist.js) and returns the first sub-value of each inverter per
// day. This feeds the yield endpoint only and never touches the store.
func (c *Client) FetchHistory(ctx context.Context, site string) ([]DailyYield, error) {
	url := fmt.Sprintf("%s/%s/visualisierung/days_hist.js", c.baseURL, site)
	doc, err := c.download(ctx, url)
	if err != nil {
		return nil, err
	}
	return parseHistoryDocument(doc, url)
}

func (c *Client) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &solar.DownloadError{URL: url, Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", &solar.DownloadError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", &solar.DownloadError{URL: url, Cause: err}
	}
	return string(body), nil
}

// parseDayDocument turns a minute-resolution logger document into
// long-form readings.
func parseDayDocument(doc, url, site string) ([]solar.Reading, error) {
	records, err := extractRecords(doc, url)
	if err != nil {
		return nil, err
	}

	var readings []solar.Reading
	for _, record := range records {
		fields := strings.Split(record, ",")
		if len(fields) < 2 {
			return nil, &solar.ParseError{Stage: "shape", URL: url}
		}

		ts, err := time.Parse(minuteLayout, strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, &solar.ParseError{Stage: "timestamp", URL: url, Cause: err}
		}
		ts = ts.UTC()

		// One raw column per inverter, labeled WR1..WRn by position.
		for i, raw := range fields[1:] {
			label := fmt.Sprintf("WR%d", i+1)
			rs, err := normalizeInverterColumn(raw, label, ts, site, url)
			if err != nil {
				return nil, err
			}
			readings = append(readings, rs...)
		}
	}

	return solar.Dedup(readings), nil
}

// normalizeInverterColumn splits one inverter's semicolon-delimited
// sub-values and maps them through the channel layout.
func normalizeInverterColumn(raw, label string, ts time.Time, site, url string) ([]solar.Reading, error) {
	idxMatch := inverterIdxRe.FindString(label)
	if idxMatch == "" {
		return nil, &solar.ParseError{
			Stage: "inverter-index", URL: url,
			Cause: fmt.Errorf("no index in column label %q", label),
		}
	}
	inverter, _ := strconv.Atoi(idxMatch)

	parts := strings.Split(raw, ";")
	layout, err := ChannelLayout(len(parts))
	if err != nil {
		return nil, &solar.ParseError{Stage: "layout", URL: url, Cause: err}
	}
	if len(layout) != len(parts) {
		return nil, &solar.ParseError{
			Stage: "layout", URL: url,
			Cause: fmt.Errorf("%s: %d channels for %d sub-columns", label, len(layout), len(parts)),
		}
	}

	readings := make([]solar.Reading, 0, len(parts))
	for i, p := range parts {
		readings = append(readings, solar.Reading{
			Timestamp: ts,
			Site:      site,
			Inverter:  inverter,
			String:    layout[i].String,
			Sensor:    layout[i].Sensor,
			Value:     coerceNumeric(p),
		})
	}
	return readings, nil
}

func parseHistoryDocument(doc, url string) ([]DailyYield, error) {
	records, err := extractRecords(doc, url)
	if err != nil {
		return nil, err
	}

	var yields []DailyYield
	for _, record := range records {
		fields := strings.Split(record, ",")
		if len(fields) < 2 {
			return nil, &solar.ParseError{Stage: "shape", URL: url}
		}
		day, err := time.Parse(dailyLayout, strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, &solar.ParseError{Stage: "timestamp", URL: url, Cause: err}
		}
		for i, raw := range fields[1:] {
			first := strings.SplitN(raw, ";", 2)[0]
			yields = append(yields, DailyYield{
				Date:     day.UTC(),
				Inverter: i + 1,
				Value:    coerceNumeric(first),
			})
		}
	}
	return yields, nil
}

// extractRecords pulls the quoted payloads out of a logger document and
// rewrites the pipe field separator to commas.
func extractRecords(doc, url string) ([]string, error) {
	matches := assignmentRe.FindAllStringSubmatch(doc, -1)
	if len(matches) == 0 {
		return nil, &solar.ParseError{Stage: "regex", URL: url}
	}
	records := make([]string, 0, len(matches))
	for _, m := range matches {
		records = append(records, strings.ReplaceAll(m[1], "|", ","))
	}
	return records, nil
}

// coerceNumeric parses a sub-value, mapping anything non-numeric
// (including empty fields) to NaN.
func coerceNumeric(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nan
	}
	return v
}
