package pipeline

import (
	"context"
	"fmt"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/transform"
)

// Rarity tiers assigned by the Pokemon transform stage. A mythical species
// is always mythical regardless of its stat total.
const (
	rarityMythical  = "mythical"
	rarityLegendary = "legendary"
	rarityRare      = "rare"
	rarityUncommon  = "uncommon"
	rarityCommon    = "common"
)

const defaultPokemonLimit = 50

var pokemonColumns = []string{
	"pokemon_id", "name", "height", "weight", "base_experience",
	"hp", "attack", "defense", "special_attack", "special_defense", "speed",
	"type_primary", "type_secondary", "is_legendary", "is_mythical", "generation",
}

func registerPokemon(deps *Deps, r *runner.Runner) {
	r.Register("extract_pokeapi", pokemonExtract(deps))
	r.Register("transform_pokemon", pokemonTransform(deps))
	r.Register("branch_legendary", pokemonBranch(deps))
	r.Register("process_legendary", pokemonProcessLegendary(deps))
	r.Register("process_non_legendary", pokemonProcessNonLegendary(deps))
	r.Register("merge_and_load", pokemonMergeAndLoad(deps))
}

type pokeAPIResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Height         int64  `json:"height"`
	Weight         int64  `json:"weight"`
	BaseExperience int64  `json:"base_experience"`
	Stats          []struct {
		BaseStat int64 `json:"base_stat"`
	} `json:"stats"`
	Types []struct {
		Type struct {
			Name string `json:"name"`
		} `json:"type"`
	} `json:"types"`
	Species struct {
		URL string `json:"url"`
	} `json:"species"`
}

type pokeSpeciesResponse struct {
	IsLegendary bool `json:"is_legendary"`
	IsMythical  bool `json:"is_mythical"`
	Generation  struct {
		Name string `json:"name"`
	} `json:"generation"`
}

// pokemonExtract fans out over the fixed id range 1..limit, one pokemon and
// one species request per id. A failed or unparsable item is skipped with a
// warning; the run continues with a smaller dataset.
func pokemonExtract(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		limit := defaultPokemonLimit
		baseURL := ""
		if stage.Source != nil {
			if stage.Source.Limit > 0 {
				limit = stage.Source.Limit
			}
			baseURL = stage.Source.BaseURL
			deps.Client.SetThrottle(stage.Source.Throttle)
		}
		if baseURL == "" {
			return runner.Failf("extract_pokeapi: source.base_url not configured")
		}

		t := table.New(pokemonColumns...)
		for i := 1; i <= limit; i++ {
			var poke pokeAPIResponse
			if err := deps.Client.GetJSON(fmt.Sprintf("%s/pokemon/%d", baseURL, i), &poke); err != nil {
				deps.Logger.Warn("failed to fetch pokemon", "id", i, "error", err)
				continue
			}
			var species pokeSpeciesResponse
			if err := deps.Client.GetJSON(poke.Species.URL, &species); err != nil {
				deps.Logger.Warn("failed to fetch species", "id", i, "error", err)
				continue
			}

			row := table.Row{
				"pokemon_id":      poke.ID,
				"name":            orDefault(poke.Name, "unknown"),
				"height":          poke.Height,
				"weight":          poke.Weight,
				"base_experience": poke.BaseExperience,
				"hp":              statAt(poke, 0),
				"attack":          statAt(poke, 1),
				"defense":         statAt(poke, 2),
				"special_attack":  statAt(poke, 3),
				"special_defense": statAt(poke, 4),
				"speed":           statAt(poke, 5),
				"type_primary":    typeAt(poke, 0, "normal"),
				"is_legendary":    species.IsLegendary,
				"is_mythical":     species.IsMythical,
				"generation":      orDefault(species.Generation.Name, "unknown"),
			}
			if len(poke.Types) > 1 {
				row["type_secondary"] = poke.Types[1].Type.Name
			}
			if err := t.Append(row); err != nil {
				return runner.Fail(err)
			}
		}

		if t.Len() == 0 {
			return runner.Failf("extract_pokeapi: no pokemon fetched from %s", baseURL)
		}
		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

func pokemonTransform(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		t.AddColumn("total_stats", func(r table.Row) any {
			var sum int64
			for _, c := range []string{"hp", "attack", "defense", "special_attack", "special_defense", "speed"} {
				n, _ := table.AsInt(r[c])
				sum += n
			}
			return sum
		})

		t.AddColumn("rarity", func(r table.Row) any {
			mythical, _ := table.AsBool(r["is_mythical"])
			legendary, _ := table.AsBool(r["is_legendary"])
			total, _ := table.AsInt(r["total_stats"])
			switch {
			case mythical:
				return rarityMythical
			case legendary:
				return rarityLegendary
			case total >= 500:
				return rarityRare
			case total >= 400:
				return rarityUncommon
			default:
				return rarityCommon
			}
		})

		t.AddColumn("name", func(r table.Row) any {
			name, _ := table.AsString(r["name"])
			return transform.TitleCase(name)
		})

		t.SetConst("processed_at", deps.Clock.Now())

		return runner.OK(t.Len())
	}
}

// pokemonBranch partitions on legendary status; the two subsets together
// hold every row exactly once.
func pokemonBranch(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		legendary, rest := t.Partition(func(r table.Row) bool {
			l, _ := table.AsBool(r["is_legendary"])
			m, _ := table.AsBool(r["is_mythical"])
			return l || m
		})
		run.Put("legendary", legendary)
		run.Put("non_legendary", rest)

		deps.Logger.Info("branched on legendary status",
			"legendary", legendary.Len(), "non_legendary", rest.Len())
		return runner.OK(t.Len())
	}
}

func pokemonProcessLegendary(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("legendary")
		if err != nil {
			return runner.Fail(err)
		}

		t.AddColumn("legendary_tier", func(r table.Row) any {
			mythical, _ := table.AsBool(r["is_mythical"])
			total, _ := table.AsInt(r["total_stats"])
			switch {
			case mythical:
				return "mythical"
			case total >= 680:
				return "box_legendary"
			default:
				return "sub_legendary"
			}
		})

		t.AddColumn("power_score", func(r table.Row) any {
			total, _ := table.AsFloat(r["total_stats"])
			exp, _ := table.AsFloat(r["base_experience"])
			return total*1.5 + exp
		})

		return runner.OK(t.Len())
	}
}

func pokemonProcessNonLegendary(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("non_legendary")
		if err != nil {
			return runner.Fail(err)
		}

		t.SetConst("legendary_tier", nil)

		t.AddColumn("power_score", func(r table.Row) any {
			total, _ := table.AsFloat(r["total_stats"])
			exp, _ := table.AsFloat(r["base_experience"])
			return total + exp*0.5
		})

		t.AddColumn("combat_role", func(r table.Row) any {
			attack, _ := table.AsInt(r["attack"])
			defense, _ := table.AsInt(r["defense"])
			speed, _ := table.AsInt(r["speed"])
			hp, _ := table.AsInt(r["hp"])
			switch {
			case attack > defense && speed >= 80:
				return "sweeper"
			case defense > attack && hp >= 80:
				return "tank"
			default:
				return "balanced"
			}
		})

		return runner.OK(t.Len())
	}
}

func pokemonMergeAndLoad(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		legendary, err := run.MustGet("legendary")
		if err != nil {
			return runner.Fail(err)
		}
		rest, err := run.MustGet("non_legendary")
		if err != nil {
			return runner.Fail(err)
		}

		// Align the branch schemas before concatenating.
		if !legendary.HasColumn("combat_role") {
			legendary.SetConst("combat_role", nil)
		}
		merged, err := table.Concat(legendary, rest)
		if err != nil {
			return runner.Failf("merging legendary branches: %w", err)
		}
		run.Put("main", merged)
		deps.Logger.Info("merged branches", "rows", merged.Len())

		return runLoad(ctx, deps, run, stage, "main", sinkReplace)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func statAt(p pokeAPIResponse, i int) int64 {
	if i < len(p.Stats) {
		return p.Stats[i].BaseStat
	}
	return 0
}

func typeAt(p pokeAPIResponse, i int, def string) string {
	if i < len(p.Types) {
		return p.Types[i].Type.Name
	}
	return def
}
