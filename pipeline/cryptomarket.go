package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/extract"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/transform"
)

// The tracked market entities. Fixed and enumerable; the fallback datasets
// preserve exactly this set.
var marketCoins = []struct {
	ID     string
	Symbol string
}{
	{"bitcoin", "BTC"},
	{"ethereum", "ETH"},
	{"binancecoin", "BNB"},
	{"solana", "SOL"},
	{"cardano", "ADA"},
}

// Documented fallback dataset sizes: one spot row per coin, 24 hourly rows
// per coin, 7 daily rows per coin.
const (
	fallbackHoursPerCoin = 24
	fallbackDaysPerCoin  = 7
)

var fallbackBasePrices = []float64{96000, 3600, 650, 220, 1.05}

func registerCryptoMarket(deps *Deps, r *runner.Runner) {
	r.Register("extract_metadata", cryptoExtractMetadata(deps))
	r.Register("diamond_split", cryptoDiamondSplit(deps))
	r.Register("cross_validate", cryptoCrossValidate(deps))
	r.Register("enrich_confidence", cryptoEnrichConfidence(deps))
	r.Register("classify_anomalies", cryptoClassifyAnomalies(deps))
	r.Register("merge_streams", cryptoMergeStreams(deps))
	r.Register("load_crypto", loadReplace(deps, "main"))
}

var metadataColumns = []string{
	"crypto_id", "symbol", "name", "market_cap_rank",
	"coingecko_score", "developer_score", "community_score",
	"liquidity_score", "public_interest_score",
}

type coinDetailResponse struct {
	Name                string   `json:"name"`
	MarketCapRank       int64    `json:"market_cap_rank"`
	CoingeckoScore      *float64 `json:"coingecko_score"`
	DeveloperScore      *float64 `json:"developer_score"`
	CommunityScore      *float64 `json:"community_score"`
	LiquidityScore      *float64 `json:"liquidity_score"`
	PublicInterestScore *float64 `json:"public_interest_score"`
}

// cryptoExtractMetadata fetches per-coin profile data. A single failed coin
// is skipped; when every call fails (systemic rate limiting) the stage falls
// back to a synthetic dataset with the same column shape and reports itself
// degraded.
func cryptoExtractMetadata(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		baseURL := sourceBaseURL(stage)
		if stage.Source != nil {
			deps.Client.SetThrottle(stage.Source.Throttle)
		}

		t := table.New(metadataColumns...)
		for _, coin := range marketCoins {
			url, err := sourceURL(baseURL, "/coins/"+coin.ID, map[string]string{
				"localization": "false", "tickers": "false",
				"community_data": "false", "developer_data": "false",
			})
			if err != nil {
				return runner.Fail(err)
			}
			var detail coinDetailResponse
			if err := deps.Client.GetJSON(url, &detail); err != nil {
				deps.Logger.Warn("failed to fetch coin metadata", "crypto_id", coin.ID, "error", err)
				continue
			}
			_ = t.Append(table.Row{
				"crypto_id":             coin.ID,
				"symbol":                coin.Symbol,
				"name":                  detail.Name,
				"market_cap_rank":       detail.MarketCapRank,
				"coingecko_score":       floatOrNil(detail.CoingeckoScore),
				"developer_score":       floatOrNil(detail.DeveloperScore),
				"community_score":       floatOrNil(detail.CommunityScore),
				"liquidity_score":       floatOrNil(detail.LiquidityScore),
				"public_interest_score": floatOrNil(detail.PublicInterestScore),
			})
		}

		if t.Len() == 0 {
			run.Put("metadata", syntheticMetadata())
			return runner.Degraded(len(marketCoins), "no metadata fetched; using synthetic metadata")
		}
		run.Put("metadata", t)
		return runner.OK(t.Len())
	}
}

type marketChartResponse struct {
	Prices       [][2]float64 `json:"prices"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
	MarketCaps   [][2]float64 `json:"market_caps"`
}

// cryptoDiamondSplit runs the triple extraction: spot prices, 24h hourly
// prices and 7d daily prices. The fetches are sequential with fixed sleeps
// (quota compliance); if any of the three comes back empty the stage swaps
// in the deterministic synthetic datasets so downstream stages and the load
// step still exercise their logic.
func cryptoDiamondSplit(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		baseURL := sourceBaseURL(stage)
		if stage.Source != nil {
			deps.Client.SetThrottle(stage.Source.Throttle)
		}

		spot := fetchSpotPrices(deps, baseURL)
		hourly := fetchMarketChart(deps, baseURL, "1", "hourly", chartHourly)
		daily := fetchMarketChart(deps, baseURL, "7", "daily", chartDaily)

		if spot.Len() == 0 || hourly.Len() == 0 || daily.Len() == 0 {
			now := deps.Clock.Now()
			run.Put("spot", syntheticSpot(now))
			run.Put("hourly_24h", syntheticHourly(now))
			run.Put("daily_7d", syntheticDaily(now))
			return runner.Degraded(len(marketCoins), "API rate limited or unavailable; using synthetic market data")
		}

		run.Put("spot", spot)
		run.Put("hourly_24h", hourly)
		run.Put("daily_7d", daily)
		return runner.OK(spot.Len())
	}
}

var spotColumns = []string{
	"crypto_id", "symbol", "spot_price_usd", "market_cap",
	"volume_24h", "change_24h_pct", "last_updated",
}

func fetchSpotPrices(deps *Deps, baseURL string) *table.Table {
	t := table.New(spotColumns...)

	ids := ""
	for i, coin := range marketCoins {
		if i > 0 {
			ids += ","
		}
		ids += coin.ID
	}
	url, err := sourceURL(baseURL, "/simple/price", map[string]string{
		"ids":                     ids,
		"vs_currencies":           "usd",
		"include_market_cap":      "true",
		"include_24hr_vol":        "true",
		"include_24hr_change":     "true",
		"include_last_updated_at": "true",
	})
	if err != nil {
		return t
	}

	var data map[string]struct {
		USD           *float64 `json:"usd"`
		USDMarketCap  *float64 `json:"usd_market_cap"`
		USD24hVol     *float64 `json:"usd_24h_vol"`
		USD24hChange  *float64 `json:"usd_24h_change"`
		LastUpdatedAt int64    `json:"last_updated_at"`
	}
	if err := deps.Client.GetJSON(url, &data); err != nil {
		deps.Logger.Warn("failed to fetch spot prices", "error", err)
		return t
	}

	for _, coin := range marketCoins {
		entry, ok := data[coin.ID]
		if !ok || entry.USD == nil {
			continue
		}
		_ = t.Append(table.Row{
			"crypto_id":      coin.ID,
			"symbol":         coin.Symbol,
			"spot_price_usd": *entry.USD,
			"market_cap":     floatOrNil(entry.USDMarketCap),
			"volume_24h":     floatOrNil(entry.USD24hVol),
			"change_24h_pct": floatOrNil(entry.USD24hChange),
			"last_updated":   time.Unix(entry.LastUpdatedAt, 0).UTC(),
		})
	}
	return t
}

type chartKind int

const (
	chartHourly chartKind = iota
	chartDaily
)

var hourlyColumns = []string{"crypto_id", "symbol", "timestamp", "price_usd", "volume"}
var dailyColumns = []string{"crypto_id", "symbol", "date", "price_usd", "volume", "market_cap"}

func fetchMarketChart(deps *Deps, baseURL, days, interval string, kind chartKind) *table.Table {
	cols := hourlyColumns
	if kind == chartDaily {
		cols = dailyColumns
	}
	t := table.New(cols...)

	for _, coin := range marketCoins {
		url, err := sourceURL(baseURL, "/coins/"+coin.ID+"/market_chart", map[string]string{
			"vs_currency": "usd", "days": days, "interval": interval,
		})
		if err != nil {
			return t
		}
		var chart marketChartResponse
		if err := deps.Client.GetJSON(url, &chart); err != nil {
			deps.Logger.Warn("failed to fetch market chart",
				"crypto_id", coin.ID, "days", days, "error", err)
			continue
		}
		for j, point := range chart.Prices {
			ts := time.UnixMilli(int64(point[0])).UTC()
			row := table.Row{
				"crypto_id": coin.ID,
				"symbol":    coin.Symbol,
				"price_usd": point[1],
				"volume":    pairAt(chart.TotalVolumes, j),
			}
			if kind == chartHourly {
				row["timestamp"] = ts
			} else {
				row["date"] = ts.Format("2006-01-02")
				row["market_cap"] = pairAt(chart.MarketCaps, j)
			}
			_ = t.Append(row)
		}
	}
	return t
}

// cryptoCrossValidate compares the spot snapshot against the 24h and 7d
// aggregates per coin. Denominators that may be zero substitute the
// documented safe defaults instead of raising.
func cryptoCrossValidate(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		spot, err := run.MustGet("spot")
		if err != nil {
			return runner.Fail(err)
		}
		hourly, err := run.MustGet("hourly_24h")
		if err != nil {
			return runner.Fail(err)
		}
		daily, err := run.MustGet("daily_7d")
		if err != nil {
			return runner.Fail(err)
		}

		t := table.New(
			"crypto_id", "symbol", "spot_price", "avg_24h_price", "avg_7d_price",
			"price_deviation_24h_pct", "price_deviation_7d_pct", "volume_deviation_pct",
			"volatility_score", "trend_24h", "trend_7d", "trend_consistent",
			"avg_24h_volume", "avg_7d_volume",
		)

		for _, spotRow := range spot.Rows() {
			cryptoID, _ := table.AsString(spotRow["crypto_id"])
			spotPrice, _ := table.AsFloat(spotRow["spot_price_usd"])
			volume24h, _ := table.AsFloat(spotRow["volume_24h"])

			byCoin := func(r table.Row) bool {
				id, _ := table.AsString(r["crypto_id"])
				return id == cryptoID
			}
			h := hourly.Filter(byCoin)
			d := daily.Filter(byCoin)

			avg24, std24 := spotPrice, 0.0
			avg24Volume := 0.0
			if h.Len() > 0 {
				avg24 = h.Mean("price_usd")
				std24 = h.Std("price_usd")
				avg24Volume = h.Mean("volume")
			}
			avg7d := spotPrice
			avg7dVolume := 0.0
			if d.Len() > 0 {
				avg7d = d.Mean("price_usd")
				avg7dVolume = d.Mean("volume")
			}

			dev24 := transform.Round2(transform.PctDeviation(spotPrice, avg24))
			dev7d := transform.Round2(transform.PctDeviation(spotPrice, avg7d))
			volumeDev := transform.Round2(transform.PctDeviation(volume24h, avg7dVolume))
			volatility := transform.Round2(transform.SafeDiv(std24, avg24, 0) * 100)

			trend24 := trendOf(dev24)
			trend7d := trendOf(dev7d)

			_ = t.Append(table.Row{
				"crypto_id":               cryptoID,
				"symbol":                  spotRow["symbol"],
				"spot_price":              spotPrice,
				"avg_24h_price":           avg24,
				"avg_7d_price":            avg7d,
				"price_deviation_24h_pct": dev24,
				"price_deviation_7d_pct":  dev7d,
				"volume_deviation_pct":    volumeDev,
				"volatility_score":        volatility,
				"trend_24h":               trend24,
				"trend_7d":                trend7d,
				"trend_consistent":        trend24 == trend7d,
				"avg_24h_volume":          avg24Volume,
				"avg_7d_volume":           avg7dVolume,
			})
		}

		run.Put("cross_validation", t)
		return runner.OK(t.Len())
	}
}

func trendOf(deviation float64) string {
	if deviation > 0 {
		return "up"
	}
	return "down"
}

// confidenceScore starts at 100 and subtracts per fired indicator, clamped
// to [0, 100].
func confidenceScore(r table.Row) float64 {
	confidence := 100.0
	dev24, _ := table.AsFloat(r["price_deviation_24h_pct"])
	dev7d, _ := table.AsFloat(r["price_deviation_7d_pct"])
	volatility, _ := table.AsFloat(r["volatility_score"])
	volumeDev, _ := table.AsFloat(r["volume_deviation_pct"])
	consistent, _ := table.AsBool(r["trend_consistent"])

	switch {
	case abs(dev24) > 10:
		confidence -= 20
	case abs(dev24) > 5:
		confidence -= 10
	}
	switch {
	case abs(dev7d) > 15:
		confidence -= 15
	case abs(dev7d) > 10:
		confidence -= 10
	}
	switch {
	case volatility > 5:
		confidence -= 15
	case volatility > 3:
		confidence -= 10
	}
	if !consistent {
		confidence -= 15
	}
	if abs(volumeDev) > 50 {
		confidence -= 10
	}
	return transform.ClampScore(confidence)
}

func cryptoEnrichConfidence(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		spot, err := run.MustGet("spot")
		if err != nil {
			return runner.Fail(err)
		}
		crossVal, err := run.MustGet("cross_validation")
		if err != nil {
			return runner.Fail(err)
		}

		enriched := spot.LeftJoin(crossVal, "crypto_id", "symbol")

		enriched.AddColumn("confidence_score", func(r table.Row) any {
			return confidenceScore(r)
		})
		transform.BucketColumn(enriched, "confidence_score", "data_quality",
			[]float64{-1, 39.99, 59.99, 79.99, 100},
			[]string{"very_low", "low", "medium", "high"})
		transform.BucketColumn(enriched, "confidence_score", "reliability_rating",
			[]float64{-1, 49.99, 59.99, 74.99, 89.99, 100},
			[]string{"F", "D", "C", "B", "A"})

		run.Put("enriched", enriched)
		return runner.OK(enriched.Len())
	}
}

func cryptoClassifyAnomalies(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("enriched")
		if err != nil {
			return runner.Fail(err)
		}

		t.AddColumn("flash_crash_risk", func(r table.Row) any {
			dev24, _ := table.AsFloat(r["price_deviation_24h_pct"])
			switch {
			case dev24 < -10:
				return "high"
			case dev24 < -5:
				return "medium"
			default:
				return "low"
			}
		})

		t.AddColumn("pump_risk", func(r table.Row) any {
			dev24, _ := table.AsFloat(r["price_deviation_24h_pct"])
			switch {
			case dev24 > 15:
				return "high"
			case dev24 > 10:
				return "medium"
			default:
				return "low"
			}
		})

		t.AddColumn("volume_manipulation_flag", func(r table.Row) any {
			volumeDev, _ := table.AsFloat(r["volume_deviation_pct"])
			return abs(volumeDev) > 100
		})

		t.AddColumn("manipulation_score", func(r table.Row) any {
			dev24, _ := table.AsFloat(r["price_deviation_24h_pct"])
			volumeDev, _ := table.AsFloat(r["volume_deviation_pct"])
			volatility, _ := table.AsFloat(r["volatility_score"])
			consistent, _ := table.AsBool(r["trend_consistent"])
			confidence, _ := table.AsFloat(r["confidence_score"])

			score := 0.0
			if abs(dev24) > 10 {
				score += 30
			}
			if abs(volumeDev) > 50 {
				score += 25
			}
			if volatility > 5 {
				score += 20
			}
			if !consistent {
				score += 15
			}
			if confidence < 50 {
				score += 10
			}
			return transform.ClampScore(score)
		})

		transform.BucketColumn(t, "manipulation_score", "risk_level",
			[]float64{-1, 24.99, 49.99, 74.99, 100},
			[]string{"low", "medium", "high", "critical"})

		t.AddColumn("requires_investigation", func(r table.Row) any {
			score, _ := table.AsFloat(r["manipulation_score"])
			return score >= 50
		})

		t.AddColumn("market_sentiment", func(r table.Row) any {
			consistent, _ := table.AsBool(r["trend_consistent"])
			trend24, _ := table.AsString(r["trend_24h"])
			switch {
			case consistent && trend24 == "up":
				return "bullish"
			case consistent && trend24 == "down":
				return "bearish"
			default:
				return "neutral"
			}
		})

		run.Put("anomalies", t)
		return runner.OK(t.Len())
	}
}

// cryptoMergeStreams joins the anomaly-classified snapshot with the coin
// metadata and enriches it with the 24h/7d price extremes. Left join over
// the coin key: metadata has at most one row per coin, so the row count is
// preserved.
func cryptoMergeStreams(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		anomalies, err := run.MustGet("anomalies")
		if err != nil {
			return runner.Fail(err)
		}
		metadata, err := run.MustGet("metadata")
		if err != nil {
			return runner.Fail(err)
		}
		hourly, err := run.MustGet("hourly_24h")
		if err != nil {
			return runner.Fail(err)
		}
		daily, err := run.MustGet("daily_7d")
		if err != nil {
			return runner.Fail(err)
		}

		final := anomalies.LeftJoin(metadata, "crypto_id", "symbol")

		extreme := func(src *table.Table, col string, max bool) func(table.Row) any {
			return func(r table.Row) any {
				cryptoID, _ := table.AsString(r["crypto_id"])
				sub := src.Filter(func(sr table.Row) bool {
					id, _ := table.AsString(sr["crypto_id"])
					return id == cryptoID
				})
				if sub.Len() == 0 {
					return nil
				}
				if max {
					return sub.Max(col)
				}
				return sub.Min(col)
			}
		}
		final.AddColumn("price_24h_high", extreme(hourly, "price_usd", true))
		final.AddColumn("price_24h_low", extreme(hourly, "price_usd", false))
		final.AddColumn("price_7d_high", extreme(daily, "price_usd", true))
		final.AddColumn("price_7d_low", extreme(daily, "price_usd", false))
		final.SetConst("processed_at", deps.Clock.Now())

		run.Put("main", final)
		return runner.OK(final.Len())
	}
}

// Synthetic fallback datasets. Deterministic by design so the degraded mode
// is reproducible and testable; the shapes match the live-fetch path.

func syntheticMetadata() *table.Table {
	t := table.New(metadataColumns...)
	scores := [][4]float64{
		{83.1, 99.0, 83.1, 100.0},
		{80.5, 96.8, 73.2, 100.0},
		{63.5, 72.1, 58.9, 88.3},
		{65.2, 80.5, 62.3, 79.5},
		{66.8, 85.2, 60.1, 75.6},
	}
	ranks := []int64{1, 2, 4, 5, 9}
	names := []string{"Bitcoin", "Ethereum", "BNB", "Solana", "Cardano"}
	interest := []float64{0.5, 0.4, 0.2, 0.3, 0.2}
	for i, coin := range marketCoins {
		_ = t.Append(table.Row{
			"crypto_id":             coin.ID,
			"symbol":                coin.Symbol,
			"name":                  names[i],
			"market_cap_rank":       ranks[i],
			"coingecko_score":       scores[i][0],
			"developer_score":       scores[i][1],
			"community_score":       scores[i][2],
			"liquidity_score":       scores[i][3],
			"public_interest_score": interest[i],
		})
	}
	return t
}

func syntheticSpot(now time.Time) *table.Table {
	t := table.New(spotColumns...)
	for i, coin := range marketCoins {
		price := fallbackBasePrices[i]
		_ = t.Append(table.Row{
			"crypto_id":      coin.ID,
			"symbol":         coin.Symbol,
			"spot_price_usd": price,
			"market_cap":     price * 19000000 * float64(i+1),
			"volume_24h":     price * 50000000,
			"change_24h_pct": wiggle(i, 0) * 5,
			"last_updated":   now,
		})
	}
	return t
}

func syntheticHourly(now time.Time) *table.Table {
	t := table.New(hourlyColumns...)
	for i, coin := range marketCoins {
		base := fallbackBasePrices[i]
		for hour := 0; hour < fallbackHoursPerCoin; hour++ {
			_ = t.Append(table.Row{
				"crypto_id": coin.ID,
				"symbol":    coin.Symbol,
				"timestamp": now.Add(-time.Duration(fallbackHoursPerCoin-1-hour) * time.Hour),
				"price_usd": base * (1 + wiggle(i, hour)*0.03),
				"volume":    base * 2000000,
			})
		}
	}
	return t
}

func syntheticDaily(now time.Time) *table.Table {
	t := table.New(dailyColumns...)
	for i, coin := range marketCoins {
		base := fallbackBasePrices[i]
		for day := 0; day < fallbackDaysPerCoin; day++ {
			price := base * (1 + wiggle(i, day)*0.08)
			_ = t.Append(table.Row{
				"crypto_id":  coin.ID,
				"symbol":     coin.Symbol,
				"date":       now.AddDate(0, 0, -(fallbackDaysPerCoin - 1 - day)).Format("2006-01-02"),
				"price_usd":  price,
				"volume":     base * 10000000,
				"market_cap": price * 19000000 * float64(i+1),
			})
		}
	}
	return t
}

// wiggle is a small deterministic oscillation in [-1, 1] standing in for
// market noise in the synthetic datasets.
func wiggle(coin, step int) float64 {
	return float64((coin*7+step*3)%11-5) / 5.0
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func pairAt(pairs [][2]float64, i int) float64 {
	if i < len(pairs) {
		return pairs[i][1]
	}
	return 0
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func sourceBaseURL(stage config.Stage) string {
	if stage.Source != nil {
		return stage.Source.BaseURL
	}
	return ""
}

func sourceURL(baseURL, path string, params map[string]string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("source.base_url not configured")
	}
	return extract.URLWithParams(baseURL+path, params)
}
