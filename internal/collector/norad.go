// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mindex-io/mindex/internal/config"
	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/models"
)

const (
	celesTrakGPURL = "https://celestrak.org/NORAD/elements/gp.php?GROUP=visual&FORMAT=json"

	spaceTrackLoginURL = "https://www.space-track.org/ajaxauth/login"
	spaceTrackGPURL    = "https://www.space-track.org/basicspacedata/query/class/gp/decay_date/null-val/epoch/%3Enow-1/orderby/norad_cat_id/format/json"
)

// NORAD polls general-perturbation orbital elements and estimates each
// object's subsatellite point. With Space-Track credentials it queries the
// authenticated catalog; otherwise it falls back to CelesTrak's public
// visual group.
type NORAD struct {
	src      *httpSource
	username string
	password string
	interval time.Duration

	now func() time.Time
}

type gpElement struct {
	ObjectName      string  `json:"OBJECT_NAME"`
	NoradCatID      int     `json:"NORAD_CAT_ID"`
	Epoch           string  `json:"EPOCH"`
	MeanMotion      float64 `json:"MEAN_MOTION"` // rev/day
	Eccentricity    float64 `json:"ECCENTRICITY"`
	Inclination     float64 `json:"INCLINATION"`       // deg
	RAAN            float64 `json:"RA_OF_ASC_NODE"`    // deg
	ArgOfPericenter float64 `json:"ARG_OF_PERICENTER"` // deg
	MeanAnomaly     float64 `json:"MEAN_ANOMALY"`      // deg
}

// spaceTrackGP matches Space-Track's gp class, which serializes numerics as
// strings.
type spaceTrackGP struct {
	ObjectName      string `json:"OBJECT_NAME"`
	NoradCatID      string `json:"NORAD_CAT_ID"`
	Epoch           string `json:"EPOCH"`
	MeanMotion      string `json:"MEAN_MOTION"`
	Eccentricity    string `json:"ECCENTRICITY"`
	Inclination     string `json:"INCLINATION"`
	RAAN            string `json:"RA_OF_ASC_NODE"`
	ArgOfPericenter string `json:"ARG_OF_PERICENTER"`
	MeanAnomaly     string `json:"MEAN_ANOMALY"`
}

// NewNORAD builds the satellite collector from config.
func NewNORAD(cfg config.SpaceTrackConfig) *NORAD {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &NORAD{
		src:      newHTTPSource("norad", 30*time.Second, 0.2),
		username: cfg.Username,
		password: cfg.Password,
		interval: interval,
		now:      time.Now,
	}
}

func (c *NORAD) Name() string                { return "norad" }
func (c *NORAD) EntityType() string          { return models.EntityTypeSatellite }
func (c *NORAD) PollInterval() time.Duration { return c.interval }

// Initialize performs the Space-Track cookie login when credentials are
// configured. CelesTrak needs no session.
func (c *NORAD) Initialize(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	c.src.client.Jar = jar

	form := url.Values{"identity": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spaceTrackLoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.src.client.Do(req)
	if err != nil {
		return fmt.Errorf("space-track login: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: space-track login status %d", errAuth, resp.StatusCode)
	}

	logging.Info().Str("collector", "norad").Msg("space-track session established")
	return nil
}

func (c *NORAD) Cleanup(context.Context) error {
	c.src.close()
	return nil
}

// Fetch pulls orbital elements and computes the current subsatellite point
// for each object. Elements that fail to parse are skipped.
func (c *NORAD) Fetch(ctx context.Context) ([]models.RawEvent, error) {
	elements, err := c.fetchElements(ctx)
	if err != nil {
		if errors.Is(err, errRateLimited) {
			return nil, nil
		}
		return nil, err
	}

	now := c.now().UTC()
	events := make([]models.RawEvent, 0, len(elements))
	for _, el := range elements {
		if el.NoradCatID == 0 || el.MeanMotion <= 0 {
			continue
		}
		epoch, perr := parseGPEpoch(el.Epoch)
		if perr != nil {
			continue
		}

		lat, lng, altKm := groundTrack(el, epoch, now)
		events = append(events, models.RawEvent{
			Source:     "norad",
			EntityID:   strconv.Itoa(el.NoradCatID),
			EntityType: models.EntityTypeSatellite,
			Timestamp:  now,
			Data: map[string]interface{}{
				"lat":            lat,
				"lng":            lng,
				"altitude":       altKm * 1000,
				"norad_id":       el.NoradCatID,
				"name":           el.ObjectName,
				"inclination":    el.Inclination,
				"period_minutes": 1440 / el.MeanMotion,
				"epoch":          epoch.Format(time.RFC3339),
			},
		})
	}
	return events, nil
}

func (c *NORAD) fetchElements(ctx context.Context) ([]gpElement, error) {
	if c.username != "" && c.password != "" && c.src.client.Jar != nil {
		var raw []spaceTrackGP
		if err := c.src.getJSON(ctx, spaceTrackGPURL, &raw); err != nil {
			return nil, err
		}
		elements := make([]gpElement, 0, len(raw))
		for _, r := range raw {
			el, err := r.toElement()
			if err != nil {
				continue
			}
			elements = append(elements, el)
		}
		return elements, nil
	}

	var elements []gpElement
	if err := c.src.getJSON(ctx, celesTrakGPURL, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

func (g spaceTrackGP) toElement() (gpElement, error) {
	id, err := strconv.Atoi(g.NoradCatID)
	if err != nil {
		return gpElement{}, err
	}
	el := gpElement{ObjectName: g.ObjectName, NoradCatID: id, Epoch: g.Epoch}
	for _, f := range []struct {
		s   string
		dst *float64
	}{
		{g.MeanMotion, &el.MeanMotion},
		{g.Eccentricity, &el.Eccentricity},
		{g.Inclination, &el.Inclination},
		{g.RAAN, &el.RAAN},
		{g.ArgOfPericenter, &el.ArgOfPericenter},
		{g.MeanAnomaly, &el.MeanAnomaly},
	} {
		v, err := strconv.ParseFloat(f.s, 64)
		if err != nil {
			return gpElement{}, err
		}
		*f.dst = v
	}
	return el, nil
}

// Transform normalizes one propagated object.
func (c *NORAD) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	lat, latOK := asFloat(raw.Data["lat"])
	lng, lngOK := asFloat(raw.Data["lng"])
	if !latOK || !lngOK {
		return nil, fmt.Errorf("satellite %s missing coordinates", raw.EntityID)
	}

	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("norad", raw.EntityID),
		EntityType: models.EntityTypeSatellite,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{},
		Source:     "norad",
	}
	if alt, ok := asFloat(raw.Data["altitude"]); ok {
		ev.Altitude = &alt
	}
	for _, key := range []string{"norad_id", "name", "inclination", "period_minutes", "epoch"} {
		if v, ok := raw.Data[key]; ok {
			ev.Properties[key] = v
		}
	}
	return ev, nil
}

const (
	earthMu       = 3.986004418e14 // m^3/s^2
	earthRadiusKm = 6371.0
)

// parseGPEpoch parses the fractional-second epoch used by both catalogs.
func parseGPEpoch(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.999999", s)
}

// groundTrack estimates the subsatellite point and altitude of an object at
// time t under a circular-orbit approximation: the argument of latitude
// advances uniformly at the mean motion, and longitude accounts for Earth
// rotation via sidereal time. Good to a few degrees for near-circular
// orbits, which is all the picture needs.
func groundTrack(el gpElement, epoch, t time.Time) (lat, lng, altKm float64) {
	period := 86400.0 / el.MeanMotion // seconds
	a := math.Cbrt(earthMu * math.Pow(period/(2*math.Pi), 2))
	altKm = a/1000 - earthRadiusKm

	dt := t.Sub(epoch).Seconds()
	nRad := 2 * math.Pi / period

	incl := el.Inclination * math.Pi / 180
	u := (el.ArgOfPericenter+el.MeanAnomaly)*math.Pi/180 + nRad*dt

	latRad := math.Asin(math.Sin(incl) * math.Sin(u))
	lonInertial := math.Atan2(math.Cos(incl)*math.Sin(u), math.Cos(u)) + el.RAAN*math.Pi/180

	lng = normalizeDeg(lonInertial*180/math.Pi - gmstDeg(t))
	lat = latRad * 180 / math.Pi
	return lat, lng, altKm
}

// gmstDeg returns Greenwich mean sidereal time in degrees.
func gmstDeg(t time.Time) float64 {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	days := t.Sub(j2000).Hours() / 24
	return math.Mod(280.46061837+360.98564736629*days, 360)
}

func normalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	}
	if deg < -180 {
		deg += 360
	}
	return deg
}
