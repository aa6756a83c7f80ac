package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/table"
)

func cryptoPricesPipelineConfig(baseURL string) config.PipelineConfig {
	return config.PipelineConfig{
		ID:   "crypto_prices",
		Name: "Crypto Price Snapshots",
		Stages: []config.Stage{
			{StageID: "extract_prices", StageType: config.StageExtract,
				Source: &config.Source{BaseURL: baseURL}},
			{StageID: "transform_prices", StageType: config.StageTransform},
			{StageID: "load_prices", StageType: config.StageLoad,
				Destination: &config.Destination{
					TableName:     "crypto_prices",
					UniqueColumns: []string{"coin", "fetched_at"},
				}},
		},
	}
}

func TestCryptoPricesPipeline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Contains(t, r.URL.Query().Get("ids"), "bitcoin")

		// Monero is missing from the response on purpose.
		entries := make([]string, 0, len(priceCoins)-1)
		for i, coin := range priceCoins {
			if coin == "monero" {
				continue
			}
			entries = append(entries, fmt.Sprintf(`"%s": {"usd": %d}`, coin, 100*(i+1)))
		}
		fmt.Fprintf(w, "{%s}", strings.Join(entries, ","))
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(cryptoPricesPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "crypto_prices")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	// Snapshot loads go through the append-unique sink variant.
	assert.Empty(t, sink.replaced)
	loaded := sink.appended["crypto_prices"]
	require.NotNil(t, loaded)

	// The missing coin was skipped, the rest kept in declaration order.
	assert.Equal(t, len(priceCoins)-1, loaded.Len())
	assert.Equal(t, []string{"coin", "currency", "price", "fetched_at"}, loaded.Columns())
	assert.Equal(t, "bitcoin", loaded.Row(0)["coin"])
	assert.Equal(t, 100.0, loaded.Row(0)["price"])
	assert.Equal(t, "usd", loaded.Row(0)["currency"])
	assert.Equal(t, testClock.Time, loaded.Row(0)["fetched_at"])

	assert.Equal(t, []string{"coin", "fetched_at"}, sink.dests["crypto_prices"].UniqueColumns)
}

func TestCryptoPricesPipelineEmptyResponseFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(cryptoPricesPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "crypto_prices")
	require.NoError(t, err)
	assert.False(t, sum.Completed())
	assert.Equal(t, "extract_prices", sum.FailedStage)
	assert.Empty(t, sink.appended)
}

func TestCryptoPricesRowsHoldNaturalKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin": {"usd": 1}, "ethereum": {"usd": 2}}`)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(cryptoPricesPipelineConfig(server.URL))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "crypto_prices")
	require.NoError(t, err)
	require.True(t, sum.Completed())

	for _, r := range sink.appended["crypto_prices"].Rows() {
		coin, ok := table.AsString(r["coin"])
		require.True(t, ok)
		assert.NotEmpty(t, coin)
		assert.NotNil(t, r["fetched_at"])
	}
}
