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
	"strconv"
	"time"

	"github.com/mindex-io/mindex/internal/config"
	"github.com/mindex-io/mindex/internal/models"
)

// AIS polls vessel positions. The upstream stream service is consumed via a
// REST proxy that snapshots the latest position per MMSI; when a proxy is
// configured it takes precedence over the direct API URL.
type AIS struct {
	src      *httpSource
	url      string
	interval time.Duration
}

type aisPosition struct {
	MMSI      int64    `json:"mmsi"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Course    *float64 `json:"course"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
	ShipName  string   `json:"ship_name"`
	ShipType  string   `json:"ship_type"`
	Timestamp string   `json:"timestamp"`
}

// NewAIS builds the vessel collector from config.
func NewAIS(cfg config.AISConfig) *AIS {
	src := newHTTPSource("ais", 20*time.Second, 1)
	if cfg.APIKey != "" {
		key := cfg.APIKey
		src.authorize = func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	url := cfg.Proxy
	if url == "" {
		url = cfg.URL
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AIS{src: src, url: url, interval: interval}
}

func (c *AIS) Name() string                { return "ais" }
func (c *AIS) EntityType() string          { return models.EntityTypeVessel }
func (c *AIS) PollInterval() time.Duration { return c.interval }

func (c *AIS) Initialize(context.Context) error {
	if c.url == "" {
		return errors.New("ais: no proxy or api url configured")
	}
	return nil
}

func (c *AIS) Cleanup(context.Context) error {
	c.src.close()
	return nil
}

// Fetch pulls the latest position snapshot. Positions without coordinates
// are skipped.
func (c *AIS) Fetch(ctx context.Context) ([]models.RawEvent, error) {
	var positions []aisPosition
	if err := c.src.getJSON(ctx, c.url, &positions); err != nil {
		if errors.Is(err, errRateLimited) {
			return nil, nil
		}
		return nil, err
	}

	events := make([]models.RawEvent, 0, len(positions))
	for _, p := range positions {
		if p.MMSI == 0 || p.Lat == nil || p.Lng == nil {
			continue
		}

		ts := time.Now().UTC()
		if p.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
				ts = parsed.UTC()
			}
		}

		data := map[string]interface{}{
			"mmsi": p.MMSI,
			"lat":  *p.Lat,
			"lng":  *p.Lng,
		}
		if p.Course != nil {
			data["course"] = *p.Course
		}
		if p.Speed != nil {
			data["speed"] = *p.Speed
		}
		if p.Heading != nil {
			data["heading"] = *p.Heading
		}
		if p.ShipName != "" {
			data["ship_name"] = p.ShipName
		}
		if p.ShipType != "" {
			data["ship_type"] = p.ShipType
		}

		events = append(events, models.RawEvent{
			Source:     "ais",
			EntityID:   strconv.FormatInt(p.MMSI, 10),
			EntityType: models.EntityTypeVessel,
			Timestamp:  ts,
			Data:       data,
		})
	}
	return events, nil
}

// Transform normalizes one vessel position.
func (c *AIS) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	lat, latOK := asFloat(raw.Data["lat"])
	lng, lngOK := asFloat(raw.Data["lng"])
	if !latOK || !lngOK {
		return nil, fmt.Errorf("vessel %s missing coordinates", raw.EntityID)
	}

	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("ais", raw.EntityID),
		EntityType: models.EntityTypeVessel,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{},
		Source:     "ais",
	}
	for _, key := range []string{"mmsi", "course", "speed", "heading", "ship_name", "ship_type"} {
		if v, ok := raw.Data[key]; ok {
			ev.Properties[key] = v
		}
	}
	return ev, nil
}
