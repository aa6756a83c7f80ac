package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/table"
)

// weatherServer serves a small hourly series whose values depend on the
// requested latitude, so each region gets distinct data.
func weatherServer(hours int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lat := r.URL.Query().Get("latitude")

		base := 10.0
		if strings.HasPrefix(lat, "35") { // Tokyo runs hot
			base = 30.0
		}

		times := make([]string, hours)
		temps := make([]string, hours)
		humidity := make([]string, hours)
		precip := make([]string, hours)
		wind := make([]string, hours)
		for i := 0; i < hours; i++ {
			times[i] = fmt.Sprintf(`"2026-08-2%dT%02d:00"`, 1+i/24, i%24)
			temps[i] = fmt.Sprintf("%g", base)
			humidity[i] = "50"
			precip[i] = "0"
			wind[i] = "7"
		}
		fmt.Fprintf(w, `{"hourly": {
			"time": [%s], "temperature_2m": [%s], "relative_humidity_2m": [%s],
			"precipitation": [%s], "wind_speed_10m": [%s]
		}}`, strings.Join(times, ","), strings.Join(temps, ","),
			strings.Join(humidity, ","), strings.Join(precip, ","), strings.Join(wind, ","))
	}))
}

func weatherPipelineConfig(baseURL string) config.PipelineConfig {
	return config.PipelineConfig{
		ID:   "weather_analytics",
		Name: "Regional Weather Analytics",
		Stages: []config.Stage{
			{StageID: "fan_out_regions", StageType: config.StageExtract,
				Source: &config.Source{BaseURL: baseURL}},
			{StageID: "merge_regional", StageType: config.StageMerge},
			{StageID: "transform_weather", StageType: config.StageTransform},
			{StageID: "load_weather", StageType: config.StageLoad,
				Destination: &config.Destination{TableName: "weather_analytics"}},
		},
	}
}

func TestWeatherPipeline(t *testing.T) {
	server := weatherServer(120)
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(weatherPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "weather_analytics")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	loaded := sink.replaced["weather_analytics"]
	require.NotNil(t, loaded)

	// 3 regions x 120 hours capped down to the row limit.
	assert.LessOrEqual(t, loaded.Len(), 200)
	assert.Greater(t, loaded.Len(), 100)

	regions := map[string]bool{}
	for _, r := range loaded.Rows() {
		region, _ := table.AsString(r["region"])
		regions[region] = true
	}
	// The stride keeps every region represented.
	assert.Len(t, regions, 3)

	tokyo := loaded.Filter(func(r table.Row) bool {
		city, _ := table.AsString(r["city"])
		return city == "Tokyo"
	})
	require.Greater(t, tokyo.Len(), 0)
	r := tokyo.Row(0)
	assert.Equal(t, "hot", r["weather_type"])
	// 100 - |30-22|*2 - 50*0.3 = 69.
	comfort, ok := table.AsFloat(r["comfort_index"])
	require.True(t, ok)
	assert.InDelta(t, 69.0, comfort, 1e-9)
	assert.Equal(t, "light", r["wind_category"])
	assert.Equal(t, testClock.Time, r["processed_at"])

	london := loaded.Filter(func(r table.Row) bool {
		city, _ := table.AsString(r["city"])
		return city == "London"
	})
	require.Greater(t, london.Len(), 0)
	assert.Equal(t, "moderate", london.Row(0)["weather_type"])
}

func TestWeatherPipelineSkipsFailedRegion(t *testing.T) {
	inner := weatherServer(48)
	defer inner.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// London's latitude fails; the other regions succeed.
		if strings.HasPrefix(r.URL.Query().Get("latitude"), "51") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner.Config.Handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(weatherPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "weather_analytics")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	loaded := sink.replaced["weather_analytics"]
	for _, r := range loaded.Rows() {
		city, _ := table.AsString(r["city"])
		assert.NotEqual(t, "London", city)
	}
}

func TestWeatherPipelineAllRegionsFail(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(weatherPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "weather_analytics")
	require.NoError(t, err)
	assert.False(t, sum.Completed())
	assert.Equal(t, "fan_out_regions", sum.FailedStage)
	// The barrier waited for every region before failing.
	assert.Equal(t, int64(len(weatherRegions)), calls.Load())
}

func TestSplitHourlyTimestamp(t *testing.T) {
	date, hour := splitHourlyTimestamp("2026-08-24T13:00")
	assert.Equal(t, "2026-08-24", date)
	assert.Equal(t, int64(13), hour)

	date, hour = splitHourlyTimestamp("garbage")
	assert.Equal(t, "garbage", date)
	assert.Equal(t, int64(0), hour)
}
