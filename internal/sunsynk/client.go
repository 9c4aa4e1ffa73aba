package sunsynk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
	"github.com/septivank/inverter-telemetry-worker/internal/validator"
)

const (
	tokenPath = "/oauth/token"
	// tokenEarlyExpiry renews a token shortly before the vendor expires it
	tokenEarlyExpiry = time.Minute
)

// Config holds the vendor API connection settings
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// Client talks to the SunSynk cloud API. It is safe for concurrent use; all
// requests share one cached bearer token.
type Client struct {
	http      *http.Client
	baseURL   string
	username  string
	password  string
	validator *validator.Validator
	location  *time.Location
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a vendor API client
func NewClient(cfg Config, httpClient *http.Client, v *validator.Validator, loc *time.Location, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		http:      httpClient,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		validator: v,
		location:  loc,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckSite lists the plant's inverters and reports whether one of them can
// provide battery data. When the site pins a serial only that inverter is
// accepted; otherwise the first inverter with a supported mode is returned.
func (c *Client) CheckSite(ctx context.Context, s site.Site) (bool, string, error) {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("limit", "10")
	params.Set("status", "-1")
	params.Set("sn", "")
	params.Set("id", s.ID)
	params.Set("type", "-2")

	var list inverterList
	if err := c.get(ctx, "inverters", "/api/v1/plant/"+url.PathEscape(s.ID)+"/inverters", params, &list); err != nil {
		return false, "", err
	}

	for _, inv := range list.Infos {
		mode := ""
		if inv.EquipMode != nil {
			mode = *inv.EquipMode
		}
		if !validEquipModes[mode] {
			continue
		}
		if s.InverterSerial != "" && inv.SN != s.InverterSerial {
			continue
		}
		return true, inv.SN, nil
	}

	c.logger.Warn("No supported inverter found for site",
		zap.String("site_id", s.ID),
		zap.String("site_name", s.Name),
		zap.Int("inverters", len(list.Infos)))
	return false, "", nil
}

// LatestReading fetches today's series for the site's inverter and returns
// the most recent valid sample of each monitored quantity, together with the
// SOC extrema of the whole day so far.
func (c *Client) LatestReading(ctx context.Context, s site.Site) (telemetry.RawReading, error) {
	if s.InverterSerial == "" {
		return telemetry.RawReading{}, &APIError{Op: "day", Status: http.StatusNotFound, Msg: "site has no inverter serial"}
	}

	fetchedAt := c.now()
	date := telemetry.DateOf(fetchedAt, c.location)

	series, err := c.daySeries(ctx, s, date)
	if err != nil {
		return telemetry.RawReading{}, err
	}

	latest := make(map[string]sample, len(series.Infos))
	reading := telemetry.RawReading{SiteID: s.ID, FetchedAt: fetchedAt, Day: telemetry.DaySummary{Date: date}}
	c.scan(s, series, fetchedAt, func(label string, smp sample) {
		// records are chronological; the newest valid one wins
		latest[label] = smp
		if label == LabelSOC && s.MonitorSOC {
			reading.Day.Observe(smp.value, smp.at)
		}
	})

	if soc, ok := latest[LabelSOC]; ok && s.MonitorSOC {
		reading.HasSOC = true
		reading.SOC = soc.value
		reading.Timestamp = soc.at
		reading.Fresh = soc.fresh
	}

	vBat, okBat := latest[LabelVBat]
	vBMS, okBMS := latest[LabelVBMS]
	if okBat && okBMS && s.MonitorVoltage {
		reading.HasVoltage = true
		reading.VBat = vBat.value
		reading.VBMS = vBMS.value
		if !reading.HasSOC {
			reading.Timestamp = vBat.at
			reading.Fresh = vBat.fresh
		}
	}

	if !reading.HasSOC && !reading.HasVoltage {
		return telemetry.RawReading{}, &NoDataError{Serial: s.InverterSerial, Date: date.String()}
	}
	return reading, nil
}

// DaySummary returns the SOC extrema of a past day's series. A day without
// SOC samples is a *NoDataError.
func (c *Client) DaySummary(ctx context.Context, s site.Site, date telemetry.Date) (telemetry.DaySummary, error) {
	sum := telemetry.DaySummary{Date: date}
	if s.InverterSerial == "" {
		return sum, &APIError{Op: "day", Status: http.StatusNotFound, Msg: "site has no inverter serial"}
	}

	series, err := c.daySeries(ctx, s, date)
	if err != nil {
		return sum, err
	}

	// clock-only timestamps resolve against the summarized day
	ref := date.AddDays(1).Start(c.location).Add(-time.Second)
	c.scan(s, series, ref, func(label string, smp sample) {
		if label == LabelSOC {
			sum.Observe(smp.value, smp.at)
		}
	})

	if !sum.HasSOC {
		return sum, &NoDataError{Serial: s.InverterSerial, Date: date.String()}
	}
	return sum, nil
}

func (c *Client) daySeries(ctx context.Context, s site.Site, date telemetry.Date) (daySeries, error) {
	day := date.String()
	params := url.Values{}
	params.Set("sn", s.InverterSerial)
	params.Set("date", day)
	params.Set("edate", day)
	params.Set("lan", "en")
	params.Set("params", dayParams)

	var series daySeries
	err := c.get(ctx, "day", "/api/v1/inverter/"+url.PathEscape(s.InverterSerial)+"/day", params, &series)
	return series, err
}

// scan passes every valid sample to fn in series order
func (c *Client) scan(s site.Site, series daySeries, ref time.Time, fn func(label string, smp sample)) {
	for _, info := range series.Infos {
		for _, rec := range info.Records {
			value, at, result := c.validator.ValidateSample(validator.Sample{
				Label: info.Label,
				Time:  rec.Time,
				Value: strings.Trim(string(rec.Value), `"`),
			}, ref)
			if !result.IsValid {
				c.logger.Debug("Skipping invalid sample",
					zap.String("site_id", s.ID),
					zap.String("label", info.Label),
					zap.String("reason", result.AnomalyReason))
				continue
			}
			fn(info.Label, sample{value: value, at: at, fresh: result.Fresh})
		}
	}
}

type sample struct {
	value float64
	at    time.Time
	fresh bool
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, dest interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	// up to 2 tries: the first 401 drops the cached token and logs in again
	for i := 0; i < 2; i++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		err = c.do(req, op, dest)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatus() == http.StatusUnauthorized && i == 0 {
			c.logger.Debug("SunSynk token rejected, logging in again", zap.String("op", op))
			c.dropToken(token)
			continue
		}
		return err
	}
	return nil
}

func (c *Client) do(req *http.Request, op string, dest interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sunsynk %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sunsynk %s: failed to read body: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: op, Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("sunsynk %s: failed to decode response: %w", op, err)
	}
	if !env.Success {
		return &APIError{Op: op, Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}

	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("sunsynk %s: failed to decode data: %w", op, err)
		}
	}
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(tokenRequest{
		AreaCode:  "sunsynk",
		ClientID:  "csp-web",
		GrantType: "password",
		Password:  c.password,
		Source:    "sunsynk",
		Username:  c.username,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	var data tokenData
	if err := c.do(req, "token", &data); err != nil {
		return "", err
	}
	if data.AccessToken == "" {
		return "", &APIError{Op: "token", Status: http.StatusUnauthorized, Msg: "empty access token"}
	}

	c.token = data.AccessToken
	ttl := time.Duration(data.ExpiresIn) * time.Second
	if ttl > tokenEarlyExpiry {
		ttl -= tokenEarlyExpiry
	}
	c.tokenExpiry = c.now().Add(ttl)

	c.logger.Info("SunSynk token acquired", zap.Duration("ttl", ttl))
	return c.token, nil
}

func (c *Client) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}
