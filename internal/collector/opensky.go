// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mindex-io/mindex/internal/config"
	"github.com/mindex-io/mindex/internal/models"
)

const openSkyStatesURL = "https://opensky-network.org/api/states/all"

// OpenSky polls live aircraft state vectors. Anonymous access works but is
// heavily rate limited; credentials raise the quota.
type OpenSky struct {
	src      *httpSource
	url      string
	interval time.Duration
}

// openSkyResponse mirrors the states/all payload. Each state vector is a
// positional array of mixed types.
type openSkyResponse struct {
	Time   int64           `json:"time"`
	States [][]interface{} `json:"states"`
}

// Indices into an OpenSky state vector.
const (
	osIcao24 = iota
	osCallsign
	osOriginCountry
	osTimePosition
	osLastContact
	osLongitude
	osLatitude
	osBaroAltitude
	osOnGround
	osVelocity
	osTrueTrack
	osVerticalRate
	_ // sensors
	osGeoAltitude
	osMinFields = osGeoAltitude + 1
)

// NewOpenSky builds the aircraft collector from config.
func NewOpenSky(cfg config.OpenSkyConfig) *OpenSky {
	src := newHTTPSource("opensky", 30*time.Second, 0.5)
	if cfg.Username != "" && cfg.Password != "" {
		src.authorize = func(req *http.Request) {
			req.SetBasicAuth(cfg.Username, cfg.Password)
		}
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &OpenSky{src: src, url: openSkyStatesURL, interval: interval}
}

func (c *OpenSky) Name() string                { return "opensky" }
func (c *OpenSky) EntityType() string          { return models.EntityTypeAircraft }
func (c *OpenSky) PollInterval() time.Duration { return c.interval }

func (c *OpenSky) Initialize(context.Context) error { return nil }

func (c *OpenSky) Cleanup(context.Context) error {
	c.src.close()
	return nil
}

// Fetch pulls the global state-vector snapshot. Vectors without a position
// are skipped.
func (c *OpenSky) Fetch(ctx context.Context) ([]models.RawEvent, error) {
	var resp openSkyResponse
	if err := c.src.getJSON(ctx, c.url, &resp); err != nil {
		if errors.Is(err, errRateLimited) {
			return nil, nil
		}
		return nil, err
	}

	events := make([]models.RawEvent, 0, len(resp.States))
	for _, state := range resp.States {
		if len(state) < osMinFields {
			continue
		}
		lng, lngOK := asFloat(state[osLongitude])
		lat, latOK := asFloat(state[osLatitude])
		if !lngOK || !latOK {
			continue
		}
		icao24, _ := state[osIcao24].(string)
		if icao24 == "" {
			continue
		}

		data := map[string]interface{}{
			"lat": lat,
			"lng": lng,
		}
		if callsign, ok := state[osCallsign].(string); ok {
			if callsign = strings.TrimSpace(callsign); callsign != "" {
				data["callsign"] = callsign
			}
		}
		if country, ok := state[osOriginCountry].(string); ok && country != "" {
			data["origin_country"] = country
		}
		if alt, ok := asFloat(state[osBaroAltitude]); ok {
			data["altitude"] = alt
		} else if alt, ok := asFloat(state[osGeoAltitude]); ok {
			data["altitude"] = alt
		}
		if velocity, ok := asFloat(state[osVelocity]); ok {
			data["velocity"] = velocity
		}
		if track, ok := asFloat(state[osTrueTrack]); ok {
			data["heading"] = track
		}
		if vr, ok := asFloat(state[osVerticalRate]); ok {
			data["vertical_rate"] = vr
		}
		if onGround, ok := state[osOnGround].(bool); ok {
			data["on_ground"] = onGround
		}

		ts := time.Unix(resp.Time, 0)
		if lastContact, ok := asFloat(state[osLastContact]); ok && lastContact > 0 {
			ts = time.Unix(int64(lastContact), 0)
		}

		events = append(events, models.RawEvent{
			Source:     "opensky",
			EntityID:   icao24,
			EntityType: models.EntityTypeAircraft,
			Timestamp:  ts.UTC(),
			Data:       data,
		})
	}
	return events, nil
}

// Transform normalizes one state vector into a timeline event.
func (c *OpenSky) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	lat, latOK := asFloat(raw.Data["lat"])
	lng, lngOK := asFloat(raw.Data["lng"])
	if !latOK || !lngOK {
		return nil, fmt.Errorf("aircraft %s missing coordinates", raw.EntityID)
	}

	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("opensky", raw.EntityID),
		EntityType: models.EntityTypeAircraft,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{
			"icao24": raw.EntityID,
		},
		Source: "opensky",
	}
	if alt, ok := asFloat(raw.Data["altitude"]); ok {
		ev.Altitude = &alt
	}
	for _, key := range []string{"callsign", "origin_country", "velocity", "heading", "vertical_rate", "on_ground"} {
		if v, ok := raw.Data[key]; ok {
			ev.Properties[key] = v
		}
	}
	return ev, nil
}
