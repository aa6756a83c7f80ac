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

// pokeAPIServer serves /pokemon/{id} and /pokemon-species/{id}. Ids 49 and
// 50 are special: 49 is a box legendary, 50 is a weak mythical.
func pokeAPIServer() *httptest.Server {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		id := parts[1]

		switch parts[0] {
		case "pokemon":
			stat := 50
			if id == "49" {
				stat = 120
			}
			fmt.Fprintf(w, `{
				"id": %s, "name": "poke-%s", "height": 7, "weight": 69,
				"base_experience": 100,
				"stats": [{"base_stat": %d},{"base_stat": %d},{"base_stat": %d},{"base_stat": %d},{"base_stat": %d},{"base_stat": %d}],
				"types": [{"type": {"name": "grass"}}, {"type": {"name": "poison"}}],
				"species": {"url": "%s/pokemon-species/%s"}
			}`, id, id, stat, stat, stat, stat, stat, stat, server.URL, id)
		case "pokemon-species":
			legendary := id == "49"
			mythical := id == "50"
			fmt.Fprintf(w, `{"is_legendary": %t, "is_mythical": %t, "generation": {"name": "generation-i"}}`,
				legendary, mythical)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return server
}

func pokemonPipelineConfig(baseURL string, limit int) config.PipelineConfig {
	return config.PipelineConfig{
		ID:   "pokemon_data",
		Name: "Pokemon Data Collection",
		Stages: []config.Stage{
			{StageID: "extract_pokeapi", StageType: config.StageExtract,
				Source: &config.Source{BaseURL: baseURL, Limit: limit}},
			{StageID: "transform_pokemon", StageType: config.StageTransform},
			{StageID: "branch_legendary", StageType: config.StageBranch},
			{StageID: "process_legendary", StageType: config.StageTransform},
			{StageID: "process_non_legendary", StageType: config.StageTransform},
			{StageID: "merge_and_load", StageType: config.StageLoad,
				Destination: &config.Destination{TableName: "pokemon_stats"}},
		},
	}
}

func TestPokemonPipeline(t *testing.T) {
	server := pokeAPIServer()
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(pokemonPipelineConfig(server.URL, 50))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "pokemon_data")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)
	assert.False(t, sum.Degraded)

	loaded := sink.replaced["pokemon_stats"]
	require.NotNil(t, loaded)
	assert.Equal(t, 50, loaded.Len())
	assert.True(t, sink.closed)

	validRarities := map[string]bool{
		"common": true, "uncommon": true, "rare": true,
		"legendary": true, "mythical": true,
	}
	var mythicalRow, legendaryRow table.Row
	for _, r := range loaded.Rows() {
		assert.NotNil(t, r["pokemon_id"])
		rarity, _ := table.AsString(r["rarity"])
		assert.True(t, validRarities[rarity], "unexpected rarity %q", rarity)

		id, _ := table.AsInt(r["pokemon_id"])
		switch id {
		case 50:
			mythicalRow = r
		case 49:
			legendaryRow = r
		}
	}

	// A mythical species classifies as mythical even with a low stat total.
	require.NotNil(t, mythicalRow)
	assert.Equal(t, "mythical", mythicalRow["rarity"])
	total, _ := table.AsInt(mythicalRow["total_stats"])
	assert.Equal(t, int64(300), total)
	assert.Equal(t, "mythical", mythicalRow["legendary_tier"])
	assert.Nil(t, mythicalRow["combat_role"])

	require.NotNil(t, legendaryRow)
	assert.Equal(t, "legendary", legendaryRow["rarity"])
	assert.Equal(t, "box_legendary", legendaryRow["legendary_tier"])
	// total 720 * 1.5 + exp 100.
	assert.Equal(t, 1180.0, legendaryRow["power_score"])

	// Non-legendary rows get a combat role and no tier.
	ordinary := loaded.Filter(func(r table.Row) bool {
		id, _ := table.AsInt(r["pokemon_id"])
		return id == 1
	})
	require.Equal(t, 1, ordinary.Len())
	assert.Nil(t, ordinary.Row(0)["legendary_tier"])
	assert.Equal(t, "balanced", ordinary.Row(0)["combat_role"])
	assert.Equal(t, "Poke-1", ordinary.Row(0)["name"])
	assert.Equal(t, testClock.Time, ordinary.Row(0)["processed_at"])
}

func TestPokemonPipelineLoadIsIdempotent(t *testing.T) {
	server := pokeAPIServer()
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(pokemonPipelineConfig(server.URL, 10))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "pokemon_data")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	first := sink.replaced["pokemon_stats"]
	require.NotNil(t, first)
	firstRows := first.Len()
	firstCols := first.Columns()

	// A second run against unchanged upstream data rewrites the table with
	// the identical row count and column set.
	sum, err = Run(context.Background(), deps, "pokemon_data")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	second := sink.replaced["pokemon_stats"]
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, firstRows, second.Len())
	assert.Equal(t, firstCols, second.Columns())
}

func TestPokemonPipelineSkipsFailedFetches(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/pokemon/3") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/pokemon-species/") {
			fmt.Fprint(w, `{"is_legendary": false, "is_mythical": false, "generation": {"name": "generation-i"}}`)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/pokemon/")
		fmt.Fprintf(w, `{"id": %s, "name": "poke-%s", "stats": [], "types": [], "species": {"url": "%s/pokemon-species/%s"}}`,
			id, id, server.URL, id)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(pokemonPipelineConfig(server.URL, 5))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "pokemon_data")
	require.NoError(t, err)
	require.True(t, sum.Completed(), "failed at %s: %v", sum.FailedStage, sum.Err)

	// Id 3 failed and was skipped; the run continues with 4 rows.
	assert.Equal(t, 4, sink.replaced["pokemon_stats"].Len())
}

func TestPokemonPipelineFailsWhenNothingFetched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sink := newFakeSink()
	cfg := baseConfig(pokemonPipelineConfig(server.URL, 3))
	deps := testDeps(t, cfg, sink)

	sum, err := Run(context.Background(), deps, "pokemon_data")
	require.NoError(t, err)
	assert.False(t, sum.Completed())
	assert.Equal(t, "extract_pokeapi", sum.FailedStage)
}
