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
	"github.com/mindex-io/mindex/internal/logging"
	"github.com/mindex-io/mindex/internal/models"
)

// defaultNWSStations are the observation stations polled when no explicit
// list is configured.
var defaultNWSStations = []string{"KSFO", "KLAX", "KSEA", "KORD", "KJFK", "KDFW", "KDEN", "KMIA"}

// NWS polls the latest surface observation from a set of NOAA weather
// stations.
type NWS struct {
	src      *httpSource
	base     string
	stations []string
	interval time.Duration
}

type nwsObservation struct {
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // lng, lat
	} `json:"geometry"`
	Properties struct {
		Timestamp   string `json:"timestamp"`
		Temperature struct {
			Value *float64 `json:"value"`
		} `json:"temperature"`
		WindSpeed struct {
			Value *float64 `json:"value"`
		} `json:"windSpeed"`
		WindDirection struct {
			Value *float64 `json:"value"`
		} `json:"windDirection"`
		BarometricPressure struct {
			Value *float64 `json:"value"`
		} `json:"barometricPressure"`
		RelativeHumidity struct {
			Value *float64 `json:"value"`
		} `json:"relativeHumidity"`
		TextDescription string `json:"textDescription"`
	} `json:"properties"`
}

// NewNWS builds the weather collector from config.
func NewNWS(cfg config.NWSConfig) *NWS {
	base := cfg.URL
	if base == "" {
		base = "https://api.weather.gov"
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &NWS{
		src:      newHTTPSource("nws", 20*time.Second, 2),
		base:     base,
		stations: defaultNWSStations,
		interval: interval,
	}
}

func (c *NWS) Name() string                { return "nws" }
func (c *NWS) EntityType() string          { return models.EntityTypeWeather }
func (c *NWS) PollInterval() time.Duration { return c.interval }

func (c *NWS) Initialize(context.Context) error { return nil }

func (c *NWS) Cleanup(context.Context) error {
	c.src.close()
	return nil
}

// Fetch pulls the latest observation per station. A single failing station
// is logged and skipped; the batch fails only if every station fails.
func (c *NWS) Fetch(ctx context.Context) ([]models.RawEvent, error) {
	events := make([]models.RawEvent, 0, len(c.stations))
	var lastErr error

	for _, station := range c.stations {
		var obs nwsObservation
		url := fmt.Sprintf("%s/stations/%s/observations/latest", c.base, station)
		if err := c.src.getJSON(ctx, url, &obs); err != nil {
			if errors.Is(err, errRateLimited) {
				return events, nil
			}
			logging.Warn().Str("station", station).Err(err).Msg("station observation failed")
			lastErr = err
			continue
		}
		if len(obs.Geometry.Coordinates) < 2 {
			continue
		}

		ts := time.Now().UTC()
		if parsed, err := time.Parse(time.RFC3339, obs.Properties.Timestamp); err == nil {
			ts = parsed.UTC()
		}

		data := map[string]interface{}{
			"station_id": station,
			"lng":        obs.Geometry.Coordinates[0],
			"lat":        obs.Geometry.Coordinates[1],
		}
		if v := obs.Properties.Temperature.Value; v != nil {
			data["temperature"] = *v
		}
		if v := obs.Properties.WindSpeed.Value; v != nil {
			data["wind_speed"] = *v
		}
		if v := obs.Properties.WindDirection.Value; v != nil {
			data["wind_direction"] = *v
		}
		if v := obs.Properties.BarometricPressure.Value; v != nil {
			data["pressure"] = *v
		}
		if v := obs.Properties.RelativeHumidity.Value; v != nil {
			data["humidity"] = *v
		}
		if obs.Properties.TextDescription != "" {
			data["conditions"] = obs.Properties.TextDescription
		}

		events = append(events, models.RawEvent{
			Source:     "noaa",
			EntityID:   station,
			EntityType: models.EntityTypeWeather,
			Timestamp:  ts,
			Data:       data,
		})
	}

	if len(events) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all stations failed: %w", lastErr)
	}
	return events, nil
}

// Transform normalizes one station observation.
func (c *NWS) Transform(raw models.RawEvent) (*models.TimelineEvent, error) {
	lat, latOK := asFloat(raw.Data["lat"])
	lng, lngOK := asFloat(raw.Data["lng"])
	if !latOK || !lngOK {
		return nil, fmt.Errorf("station %s missing coordinates", raw.EntityID)
	}

	ev := &models.TimelineEvent{
		ID:         models.DeterministicID("noaa", raw.EntityID),
		EntityType: models.EntityTypeWeather,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{},
		Source:     "noaa",
	}
	for _, key := range []string{"station_id", "temperature", "wind_speed", "wind_direction", "pressure", "humidity", "conditions"} {
		if v, ok := raw.Data[key]; ok {
			ev.Properties[key] = v
		}
	}
	return ev, nil
}
