package demo

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
)

//go:embed forecasts.json
var forecastsJSON []byte

// Only daytime hours in (dayStart, dayEnd) count.
const (
	dayStart = 9
	dayEnd   = 19
)

var goodConditions = map[string]bool{
	"clear":         true,
	"partly-cloudy": true,
	"cloudy":        true,
	"overcast":      true,
}

type Hour struct {
	Hour      int    `json:"hour"`
	Temp      int    `json:"temp"`
	Condition string `json:"condition"`
}

type Day struct {
	Date  string `json:"date"`
	Hours []Hour `json:"hours"`
}

type Forecast struct {
	City      string `json:"city"`
	Forecasts []Day  `json:"forecasts"`
}

type DayStats struct {
	Date        string  `json:"date"`
	AverageTemp float64 `json:"average_temp"`
	GoodHours   int     `json:"good_hours"`
}

type CityStats struct {
	City        string     `json:"city"`
	Rating      int        `json:"rating"`
	AverageTemp float64    `json:"average_temp"`
	GoodHours   int        `json:"good_hours"`
	Days        []DayStats `json:"days"`
}

type Report struct {
	Cities []CityStats `json:"cities"`
}

// LoadForecasts returns the bundled forecasts.
func LoadForecasts() ([]Forecast, error) {
	var out []Forecast
	if err := json.Unmarshal(forecastsJSON, &out); err != nil {
		return nil, fmt.Errorf("forecasts: %w", err)
	}
	return out, nil
}

// BuildReport computes stats per city concurrently and ranks the cities by
// average temperature, then by good-weather hours.
func BuildReport(ctx context.Context) (Report, error) {
	fcs, err := LoadForecasts()
	if err != nil {
		return Report{}, err
	}
	return Rank(ctx, fcs)
}

// Rank computes each city on its own goroutine. A canceled ctx stops cities
// that have not started yet and is returned.
func Rank(ctx context.Context, fcs []Forecast) (Report, error) {
	stats := make([]CityStats, len(fcs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range fcs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stats[i] = cityStats(fcs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.SliceStable(stats, func(a, b int) bool {
		if stats[a].AverageTemp != stats[b].AverageTemp {
			return stats[a].AverageTemp > stats[b].AverageTemp
		}
		return stats[a].GoodHours > stats[b].GoodHours
	})
	for i := range stats {
		stats[i].Rating = i + 1
	}
	return Report{Cities: stats}, nil
}

func cityStats(fc Forecast) CityStats {
	cs := CityStats{City: fc.City}
	var temps []float64
	for _, d := range fc.Forecasts {
		var dayTemps []float64
		good := 0
		for _, h := range d.Hours {
			if h.Hour <= dayStart || h.Hour >= dayEnd {
				continue
			}
			dayTemps = append(dayTemps, float64(h.Temp))
			if goodConditions[h.Condition] {
				good++
			}
		}
		ds := DayStats{Date: d.Date, AverageTemp: average(dayTemps), GoodHours: good}
		cs.Days = append(cs.Days, ds)
		// days without daytime data do not count
		if ds.AverageTemp != 0 {
			temps = append(temps, ds.AverageTemp)
			cs.GoodHours += good
		}
	}
	cs.AverageTemp = average(temps)
	return cs
}

// average rounds to one decimal; an empty slice averages to zero.
func average(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return math.Round(sum/float64(len(v))*10) / 10
}

// Best is the city rated first.
func (r Report) Best() (CityStats, bool) {
	for _, c := range r.Cities {
		if c.Rating == 1 {
			return c, true
		}
	}
	return CityStats{}, false
}

func (r Report) WriteFile(path string) error {
	b, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
