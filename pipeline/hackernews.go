package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/extract"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/transform"
)

const (
	defaultHNPages = 7
	hnMaxRows      = 200
)

var hnColumns = []string{
	"post_id", "rank", "title", "url", "source_domain",
	"points", "author", "age", "comments_count", "scraped_at",
}

func registerHackerNews(deps *Deps, r *runner.Runner) {
	r.Register("scrape_hackernews", hnScrape(deps))
	r.Register("transform_posts", hnTransform(deps))
	r.Register("load_posts", loadReplace(deps, "main"))
}

// hnScrape walks the listing pages in order with a fixed sleep between
// fetches. A post row missing its title anchor is dropped; the optional
// subtext fields default to zero values instead of dropping the row.
func hnScrape(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		baseURL := sourceBaseURL(stage)
		if baseURL == "" {
			return runner.Failf("scrape_hackernews: source.base_url not configured")
		}
		pages := defaultHNPages
		if stage.Source != nil {
			if stage.Source.Pages > 0 {
				pages = stage.Source.Pages
			}
			deps.Client.SetThrottle(stage.Source.Throttle)
		}

		t := table.New(hnColumns...)
		rank := 0
		for page := 1; page <= pages; page++ {
			body, err := deps.Client.Get(fmt.Sprintf("%s/news?p=%d", baseURL, page))
			if err != nil {
				deps.Logger.Warn("failed to fetch listing page", "page", page, "error", err)
				continue
			}
			doc, err := extract.ParseHTML(body)
			if err != nil {
				deps.Logger.Warn("failed to parse listing page", "page", page, "error", err)
				continue
			}

			for _, item := range doc.FindAll("tr", "athing") {
				rank++
				row, ok := parsePost(item, rank)
				if !ok {
					deps.Logger.Warn("skipping post without title", "page", page, "rank", rank)
					continue
				}
				_ = t.Append(row)
			}
			deps.Logger.Info("scraped listing page", "page", page, "total_posts", t.Len())
		}

		if t.Len() == 0 {
			return runner.Failf("scrape_hackernews: no posts scraped from %s", baseURL)
		}
		t.SetConst("scraped_at", deps.Clock.Now())
		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

// parsePost extracts one post from its item row and the sibling subtext row.
// The title anchor is required; everything in the subtext row is optional.
func parsePost(item *extract.Node, rank int) (table.Row, bool) {
	titleLine := item.First("span", "titleline")
	if titleLine == nil {
		return nil, false
	}
	link := titleLine.First("a", "")
	if link == nil {
		return nil, false
	}

	row := table.Row{
		"post_id":        item.Attr("id"),
		"rank":           int64(rank),
		"title":          link.Text(),
		"url":            link.Attr("href"),
		"source_domain":  domainOf(link.Attr("href")),
		"points":         int64(0),
		"author":         "",
		"age":            "",
		"comments_count": int64(0),
	}

	subtextRow := item.NextSiblingElement()
	if subtextRow == nil {
		return row, true
	}
	subtext := subtextRow.First("td", "subtext")
	if subtext == nil {
		return row, true
	}

	if score := subtext.First("span", "score"); score != nil {
		row["points"] = leadingInt(score.Text())
	}
	if author := subtext.First("a", "hnuser"); author != nil {
		row["author"] = author.Text()
	}
	if age := subtext.First("span", "age"); age != nil {
		row["age"] = age.Text()
	}
	anchors := subtext.FindAll("a", "")
	if len(anchors) > 0 {
		if last := anchors[len(anchors)-1]; strings.Contains(last.Text(), "comment") {
			row["comments_count"] = leadingInt(last.Text())
		}
	}
	return row, true
}

func hnTransform(deps *Deps) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		t, err := run.MustGet("main")
		if err != nil {
			return runner.Fail(err)
		}

		t = t.Head(hnMaxRows)

		t.AddColumn("engagement_score", func(r table.Row) any {
			points, _ := table.AsInt(r["points"])
			comments, _ := table.AsInt(r["comments_count"])
			return points + comments
		})

		transform.BucketColumn(t, "engagement_score", "popularity",
			[]float64{-1, 19, 49, 99, 1 << 30},
			[]string{"new", "moderate", "popular", "viral"})

		t.AddColumn("url", func(r table.Row) any {
			raw, _ := table.AsString(r["url"])
			if strings.HasPrefix(raw, "item?id=") {
				return "https://news.ycombinator.com/" + raw
			}
			return raw
		})

		t.AddColumn("is_external", func(r table.Row) any {
			raw, _ := table.AsString(r["url"])
			return !strings.Contains(raw, "news.ycombinator.com")
		})

		run.Put("main", t)
		return runner.OK(t.Len())
	}
}

func domainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "news.ycombinator.com"
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}

// leadingInt parses the integer prefix of strings like "123 points" or
// "45 comments".
func leadingInt(s string) int64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
