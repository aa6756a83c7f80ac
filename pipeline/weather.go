package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/transform"
)

type weatherRegion struct {
	Region    string
	City      string
	Latitude  float64
	Longitude float64
}

var weatherRegions = []weatherRegion{
	{"North America", "New York", 40.7128, -74.0060},
	{"Europe", "London", 51.5074, -0.1278},
	{"Asia", "Tokyo", 35.6762, 139.6503},
}

// cap on the merged dataset so one run stays a bounded sample regardless of
// how much history the API returns.
const weatherMaxRows = 200

var weatherColumns = []string{
	"region", "city", "latitude", "longitude",
	"date", "hour", "temperature", "humidity", "precipitation", "wind_speed",
}

func registerWeather(deps *Deps, r *runner.Runner) {
	r.Register("fan_out_regions", weatherFanOut(deps))
	r.Register("merge_regional", weatherMergeRegional(deps))
	r.Register("transform_weather", weatherTransform(deps))
	r.Register("load_weather", loadReplace(deps, "main"))
}

type weatherResponse struct {
	Hourly struct {
		Time             []string  `json:"time"`
		Temperature2m    []float64 `json:"temperature_2m"`
		RelativeHumidity []float64 `json:"relative_humidity_2m"`
		Precipitation    []float64 `json:"precipitation"`
		WindSpeed10m     []float64 `json:"wind_speed_10m"`
	} `json:"hourly"`
}

// weatherFanOut fetches every region concurrently and joins at the barrier;
// the stage finishes only when every fetch has. A failed region is skipped
// with a warning, and only all regions failing fails the stage.
func weatherFanOut(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		baseURL := sourceBaseURL(stage)
		if baseURL == "" {
			return runner.Failf("fan_out_regions: source.base_url not configured")
		}

		mapper := iter.Mapper[weatherRegion, *table.Table]{MaxGoroutines: len(weatherRegions)}
		tables := mapper.Map(weatherRegions, func(region *weatherRegion) *table.Table {
			t, err := fetchRegion(deps, baseURL, *region)
			if err != nil {
				deps.Logger.Warn("failed to fetch region weather",
					"region", region.Region, "city", region.City, "error", err)
				return nil
			}
			return t
		})

		parts := make([]*table.Table, 0, len(tables))
		for i, t := range tables {
			if t == nil {
				continue
			}
			parts = append(parts, t)
			deps.Logger.Info("fetched region weather",
				"region", weatherRegions[i].Region, "rows", t.Len())
		}
		if len(parts) == 0 {
			return runner.Failf("fan_out_regions: all %d regions failed", len(weatherRegions))
		}

		merged, err := table.Concat(parts...)
		if err != nil {
			return runner.Fail(err)
		}
		run.Put("regional", merged)
		return runner.OK(merged.Len())
	}
}

func fetchRegion(deps *Deps, baseURL string, region weatherRegion) (*table.Table, error) {
	url, err := extractURL(baseURL, map[string]string{
		"latitude":  strconv.FormatFloat(region.Latitude, 'f', 4, 64),
		"longitude": strconv.FormatFloat(region.Longitude, 'f', 4, 64),
		"hourly":    "temperature_2m,relative_humidity_2m,precipitation,wind_speed_10m",
		"past_days": "92",
	})
	if err != nil {
		return nil, err
	}

	var resp weatherResponse
	if err := deps.Client.GetJSON(url, &resp); err != nil {
		return nil, err
	}
	if len(resp.Hourly.Time) == 0 {
		return nil, fmt.Errorf("empty hourly series for %s", region.City)
	}

	t := table.New(weatherColumns...)
	for i, ts := range resp.Hourly.Time {
		date, hour := splitHourlyTimestamp(ts)
		_ = t.Append(table.Row{
			"region":        region.Region,
			"city":          region.City,
			"latitude":      region.Latitude,
			"longitude":     region.Longitude,
			"date":          date,
			"hour":          hour,
			"temperature":   seriesAt(resp.Hourly.Temperature2m, i),
			"humidity":      seriesAt(resp.Hourly.RelativeHumidity, i),
			"precipitation": seriesAt(resp.Hourly.Precipitation, i),
			"wind_speed":    seriesAt(resp.Hourly.WindSpeed10m, i),
		})
	}
	return t, nil
}

// weatherMergeRegional caps the merged dataset by striding over it so the
// sample keeps even coverage of every region and hour instead of truncating
// to the first region fetched.
func weatherMergeRegional(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("regional")
		if err != nil {
			return runner.Fail(err)
		}

		if t.Len() > weatherMaxRows {
			step := (t.Len() + weatherMaxRows - 1) / weatherMaxRows
			t = t.EveryNth(step).Head(weatherMaxRows)
		}
		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

func weatherTransform(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		t.AddColumn("weather_type", func(r table.Row) any {
			temp, _ := table.AsFloat(r["temperature"])
			precip, _ := table.AsFloat(r["precipitation"])
			switch {
			case precip > 5:
				return "rainy"
			case temp > 25:
				return "hot"
			case temp < 5:
				return "cold"
			default:
				return "moderate"
			}
		})

		t.AddColumn("comfort_index", func(r table.Row) any {
			temp, _ := table.AsFloat(r["temperature"])
			humidity, _ := table.AsFloat(r["humidity"])
			return transform.ClampScore(100 - abs(temp-22)*2 - humidity*0.3)
		})

		transform.BucketColumn(t, "wind_speed", "wind_category",
			[]float64{0, 5, 10, 20, 100},
			[]string{"calm", "light", "moderate", "strong"})

		t.SetConst("processed_at", deps.Clock.Now())
		return runner.OK(t.Len())
	}
}

// splitHourlyTimestamp splits an ISO-8601 hourly timestamp ("2026-08-24T13:00")
// into its date and hour-of-day parts.
func splitHourlyTimestamp(ts string) (string, int64) {
	parsed, err := time.Parse("2006-01-02T15:04", ts)
	if err != nil {
		return ts, 0
	}
	return parsed.Format("2006-01-02"), int64(parsed.Hour())
}

func seriesAt(vals []float64, i int) any {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

func extractURL(baseURL string, params map[string]string) (string, error) {
	return sourceURL(baseURL, "", params)
}
