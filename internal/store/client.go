// Package store pulls circuit readings from the telemetry backend that the
// sensor posts to, and feeds them into the sample window.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"amp-controller/internal/models"

	"github.com/sirupsen/logrus"
)

var ErrUnavailable = errors.New("telemetry store unavailable")

// Row timestamps are written by the backend in UTC without a zone.
const rowTimeLayout = "2006-01-02 15:04:05"

const (
	defaultPageSize = 50
	maxBodyBytes    = 4 << 20
)

type ClientConfig struct {
	URL      string
	Token    string
	PageSize int
}

type Client struct {
	config ClientConfig
	http   *http.Client
	logger *logrus.Logger
}

type logRow struct {
	Datetime string  `json:"datetime"`
	Amps     float64 `json:"amps"`
	Volts    float64 `json:"volts"`
	Watts    float64 `json:"watts"`
	Location string  `json:"location"`
}

type logPage struct {
	Rows []logRow `json:"rows"`
	Next string   `json:"next"`
}

func NewClient(config ClientConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.PageSize <= 0 {
		config.PageSize = defaultPageSize
	}
	config.URL = strings.TrimRight(config.URL, "/")
	return &Client{config: config, http: httpClient, logger: logger}
}

// LatestReadings returns readings strictly newer than since, oldest first.
// Only the first page is fetched: at the configured poll interval the
// backend never accumulates more than a page of new rows.
func (c *Client) LatestReadings(ctx context.Context, since time.Time) ([]models.Reading, error) {
	query := url.Values{}
	query.Set("page", "0")
	query.Set("count", strconv.Itoa(c.config.PageSize))
	query.Set("tz", "UTC")
	target := fmt.Sprintf("%s/log/%s/json?%s", c.config.URL, url.PathEscape(c.config.Token), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var page logPage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decoding rows: %v", ErrUnavailable, err)
	}

	readings := make([]models.Reading, 0, len(page.Rows))
	for _, row := range page.Rows {
		at, err := parseRowTime(row.Datetime)
		if err != nil {
			c.logger.Warnf("Store: skipping row with bad datetime %q: %v", row.Datetime, err)
			continue
		}
		if !at.After(since) {
			continue
		}
		readings = append(readings, models.Reading{Timestamp: at, Amps: row.Amps, Volts: row.Volts, Watts: row.Watts})
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	return readings, nil
}

func parseRowTime(value string) (time.Time, error) {
	if at, err := time.ParseInLocation(rowTimeLayout, value, time.UTC); err == nil {
		return at, nil
	}
	return time.Parse(time.RFC3339, value)
}
