package pipeline

import (
	"context"
	"strings"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
)

// The lightweight snapshot pipeline tracks a wider set of coins than the
// market analysis one; a single batched price call covers all of them.
var priceCoins = []string{
	"bitcoin", "ethereum", "solana", "cardano", "polkadot",
	"dogecoin", "litecoin", "tron", "chainlink", "monero",
}

const priceCurrency = "usd"

func registerCryptoPrices(deps *Deps, r *runner.Runner) {
	r.Register("extract_prices", pricesExtract(deps))
	r.Register("transform_prices", pricesTransform(deps))
	r.Register("load_prices", loadAppendUnique(deps, "main"))
}

// pricesExtract performs one batched spot-price request. Coins missing from
// the response are skipped with a warning; an empty response fails the run
// since there is nothing worth snapshotting.
func pricesExtract(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		baseURL := sourceBaseURL(stage)
		if stage.Source != nil {
			deps.Client.SetThrottle(stage.Source.Throttle)
		}

		url, err := sourceURL(baseURL, "/simple/price", map[string]string{
			"ids":           strings.Join(priceCoins, ","),
			"vs_currencies": priceCurrency,
		})
		if err != nil {
			return runner.Fail(err)
		}

		var data map[string]map[string]float64
		if err := deps.Client.GetJSON(url, &data); err != nil {
			return runner.Fail(err)
		}

		t := table.New("coin", "currency", "price")
		for _, coin := range priceCoins {
			entry, ok := data[coin]
			if !ok {
				deps.Logger.Warn("coin missing from price response", "coin", coin)
				continue
			}
			price, ok := entry[priceCurrency]
			if !ok {
				deps.Logger.Warn("currency missing from price response", "coin", coin, "currency", priceCurrency)
				continue
			}
			_ = t.Append(table.Row{
				"coin":     coin,
				"currency": priceCurrency,
				"price":    price,
			})
		}

		if t.Len() == 0 {
			return runner.Failf("extract_prices: no prices returned from %s", baseURL)
		}
		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

// pricesTransform stamps the snapshot time. Together with the coin name it
// forms the natural key the append-unique load deduplicates on.
func pricesTransform(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}
		t.SetConst("fetched_at", deps.Clock.Now())
		return runner.OK(t.Len())
	}
}
