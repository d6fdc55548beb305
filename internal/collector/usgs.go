// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindex-io/mindex/internal/config"
	"github.com/mindex-io/mindex/internal/models"
)

const defaultUSGSFeedURL = "https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/all_hour.geojson"

// USGS polls the earthquake GeoJSON summary feed.
type USGS struct {
	src      *httpSource
	url      string
	interval time.Duration
}

type usgsFeed struct {
	Features []usgsFeature `json:"features"`
}

type usgsFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Mag   *float64 `json:"mag"`
		Place string   `json:"place"`
		Time  int64    `json:"time"` // epoch millis
		Type  string   `json:"type"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // lng, lat, depth_km
	} `json:"geometry"`
}

// NewUSGS builds the earthquake collector from config.
func NewUSGS(cfg config.USGSConfig) *USGS {
	url := cfg.URL
	if url == "" {
		url = defaultUSGSFeedURL
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &USGS{
		src:      newHTTPSource("usgs", 20*time.Second, 1),
		url:      url,
		interval: interval,
	}
}

func (c *USGS) Name() string                { return "usgs" }
func (c *USGS) EntityType() string          { return models.EntityTypeEarthquake }
func (c *USGS) PollInterval() time.Duration { return c.interval }

func (c *USGS) Initialize(context.Context) error { return nil }

func (c *USGS) Cleanup(context.Context) error {
	c.src.close()
	return nil
}

// Fetch pulls the summary feed. Features without coordinates are skipped.
func (c *USGS) Fetch(ctx context.Context) ([]models.RawEvent, error) {
	var feed usgsFeed
	if err := c.src.getJSON(ctx, c.url, &feed); err != nil {
		if errors.Is(err, errRateLimited) {
			return nil, nil
		}
		return nil, err
	}

	events := make([]models.RawEvent, 0, len(feed.Features))
	for _, f := range feed.Features {
		if f.ID == "" || len(f.Geometry.Coordinates) < 2 {
			continue
		}

		data := map[string]interface{}{
			"lng":   f.Geometry.Coordinates[0],
			"lat":   f.Geometry.Coordinates[1],
			"place": f.Properties.Place,
		}
		if len(f.Geometry.Coordinates) >= 3 {
			data["depth"] = f.Geometry.Coordinates[2]
		}
		if f.Properties.Mag != nil {
			data["magnitude"] = *f.Properties.Mag
		}

		events = append(events, models.RawEvent{
			Source:     "usgs",
			EntityID:   f.ID,
			EntityType: models.EntityTypeEarthquake,
			Timestamp:  time.UnixMilli(f.Properties.Time).UTC(),
			Data:       data,
		})
	}
	return events, nil
}

// Transform normalizes one quake. The feed reports depth in km below the
// surface; altitude is its negation in meters.
func (c *USGS) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	lat, latOK := asFloat(raw.Data["lat"])
	lng, lngOK := asFloat(raw.Data["lng"])
	if !latOK || !lngOK {
		return nil, fmt.Errorf("earthquake %s missing coordinates", raw.EntityID)
	}

	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("usgs", raw.EntityID),
		EntityType: models.EntityTypeEarthquake,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{
			"code": raw.EntityID,
		},
		Source: "usgs",
	}
	if depthKm, ok := asFloat(raw.Data["depth"]); ok {
		alt := -depthKm * 1000
		ev.Altitude = &alt
		ev.Properties["depth"] = depthKm
	}
	if mag, ok := asFloat(raw.Data["magnitude"]); ok {
		ev.Properties["magnitude"] = mag
	}
	if place, ok := raw.Data["place"].(string); ok && place != "" {
		ev.Properties["place"] = place
	}
	return ev, nil
}
