package pipeline

import (
	"context"
	"strings"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/transform"
)

const defaultTrafficMaxRows = 200

// Well-known ports abused by common attack tooling; a connection touching
// one on either side is flagged.
var suspiciousPorts = map[int64]bool{
	23: true, 135: true, 139: true, 445: true,
	1433: true, 3389: true, 5900: true,
}

func registerNetworkTraffic(deps *Deps, r *runner.Runner) {
	r.Register("extract_traffic", trafficExtract(deps))
	r.Register("analyze_traffic", trafficAnalyze(deps))
	r.Register("score_risk", trafficScoreRisk(deps))
	r.Register("load_traffic", loadReplace(deps, "main"))
}

func trafficExtract(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		if stage.Source == nil || stage.Source.URL == "" {
			return runner.Failf("extract_traffic: source.url not configured")
		}
		maxRows := stage.Source.MaxRows
		if maxRows == 0 {
			maxRows = defaultTrafficMaxRows
		}

		t, err := deps.Client.FetchCSV(stage.Source.URL, maxRows)
		if err != nil {
			return runner.Fail(err)
		}
		if t.Len() == 0 {
			return runner.Failf("extract_traffic: dataset at %s holds no rows", stage.Source.URL)
		}
		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

// trafficAnalyze derives the categorical indicators. Every derivation is
// conditional on its source columns existing, since the public dataset's
// schema varies between snapshots.
func trafficAnalyze(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		oneHots := protocolColumns(t)
		if len(oneHots) > 0 {
			t.AddColumn("primary_protocol", func(r table.Row) any {
				for _, col := range oneHots {
					if n, _ := table.AsInt(r[col]); n == 1 {
						return strings.TrimPrefix(col, "protocol_type_")
					}
				}
				return "unknown"
			})
		}

		if t.HasColumn("packet_size") {
			transform.BucketColumn(t, "packet_size", "packet_category",
				[]float64{0, 100, 500, 1500, 1 << 30},
				[]string{"tiny", "small", "medium", "large"})
		}

		if t.HasColumn("src_port") || t.HasColumn("dst_port") {
			t.AddColumn("uses_suspicious_port", func(r table.Row) any {
				src, _ := table.AsInt(r["src_port"])
				dst, _ := table.AsInt(r["dst_port"])
				return suspiciousPorts[src] || suspiciousPorts[dst]
			})
		}

		if t.HasColumn("packet_count_5s") {
			threshold := t.Quantile("packet_count_5s", 0.85)
			t.AddColumn("high_volume_traffic", func(r table.Row) any {
				n, _ := table.AsFloat(r["packet_count_5s"])
				return n > threshold
			})
		}

		if t.HasColumn("tcp_flags_syn") && t.HasColumn("tcp_flags_syn_ack") {
			t.AddColumn("potential_syn_flood", func(r table.Row) any {
				syn, _ := table.AsInt(r["tcp_flags_syn"])
				synAck, _ := table.AsInt(r["tcp_flags_syn_ack"])
				return syn == 1 && synAck == 0
			})
		}

		if t.HasColumn("spectral_entropy") {
			threshold := t.Quantile("spectral_entropy", 0.25)
			t.AddColumn("low_entropy_traffic", func(r table.Row) any {
				e, _ := table.AsFloat(r["spectral_entropy"])
				return e < threshold
			})
		}

		if t.HasColumn("label") {
			t.AddColumn("labeled_threat", func(r table.Row) any {
				label, _ := table.AsInt(r["label"])
				if label == 1 {
					return "malicious"
				}
				return "benign"
			})
		}

		return runner.OK(t.Len())
	}
}

// trafficScoreRisk sums the per-indicator weights into a clamped 0..100
// score and derives the downstream classifications from it. The quantile
// thresholds for the spectral combination are computed once over the whole
// dataset, not per row.
func trafficScoreRisk(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		var entropyLow, energyHigh float64
		spectral := t.HasColumn("spectral_entropy") && t.HasColumn("frequency_band_energy")
		if spectral {
			entropyLow = t.Quantile("spectral_entropy", 0.15)
			energyHigh = t.Quantile("frequency_band_energy", 0.85)
		}

		t.AddColumn("risk_score", func(r table.Row) any {
			score := 0.0
			if threat, _ := table.AsString(r["labeled_threat"]); threat == "malicious" {
				score += 50
			}
			if flag, _ := table.AsBool(r["uses_suspicious_port"]); flag {
				score += 20
			}
			if flag, _ := table.AsBool(r["high_volume_traffic"]); flag {
				score += 15
			}
			if flag, _ := table.AsBool(r["low_entropy_traffic"]); flag {
				score += 10
			}
			if flag, _ := table.AsBool(r["potential_syn_flood"]); flag {
				score += 15
			}
			if spectral {
				entropy, _ := table.AsFloat(r["spectral_entropy"])
				energy, _ := table.AsFloat(r["frequency_band_energy"])
				if entropy < entropyLow && energy > energyHigh {
					score += 10
				}
			}
			if size, ok := table.AsFloat(r["packet_size"]); ok {
				if size < 50 {
					score += 8
				} else if size > 1400 {
					score += 6
				}
			}
			return transform.ClampScore(score)
		})

		transform.BucketColumn(t, "risk_score", "threat_level",
			[]float64{-1, 10, 30, 60, 100},
			[]string{"low", "medium", "high", "critical"})

		maxRisk := t.Max("risk_score")
		t.AddColumn("anomaly_confidence", func(r table.Row) any {
			risk, _ := table.AsFloat(r["risk_score"])
			return transform.Round2(transform.SafeDiv(risk, maxRisk, 0) * 100)
		})

		t.AddColumn("requires_investigation", func(r table.Row) any {
			level, _ := table.AsString(r["threat_level"])
			return level == "high" || level == "critical"
		})

		t.SetConst("processed_at", deps.Clock.Now())
		return runner.OK(t.Len())
	}
}

func protocolColumns(t *table.Table) []string {
	var out []string
	for _, c := range t.Columns() {
		if strings.HasPrefix(c, "protocol_type_") {
			out = append(out, c)
		}
	}
	return out
}
