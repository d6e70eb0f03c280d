// Package comic provides the xkcd comic plugin. Metadata comes from the
// public JSON feed; the comic image itself is pulled through the instance's
// content cache so a slow feed or a re-shown comic costs no second download.
package comic

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math/rand"
	"os"
	"strings"

	// Comic images arrive as PNG, JPEG or the occasional GIF.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"inkdeck/internal/contentcache"
	"inkdeck/internal/plugin"
	"inkdeck/internal/schema"
	"inkdeck/pkg/logx"
)

const (
	defaultFeedURL   = "https://xkcd.com"
	metadataDoc      = "info.0.json"
	defaultMaxWidth  = 800
	defaultMaxHeight = 600
	defaultRetries   = 10
)

// Factory returns the comic plugin type backed by the production HTTP
// fetcher for feed metadata.
func Factory() plugin.Factory {
	return factoryWith(contentcache.NewHTTPFetcher(), rand.Intn)
}

func factoryWith(fetcher contentcache.Fetcher, randInt func(n int) int) plugin.Factory {
	c := &comic{fetcher: fetcher, randInt: randInt}
	return plugin.Factory{
		Type:         "comic",
		Description:  "xkcd comic picked at random from the feed",
		ParamsSchema: paramsSchema(),
		Update:       c.update,
	}
}

func paramsSchema() schema.Schema {
	return schema.Schema{
		"feed_url": {
			Type: schema.TypeString, Default: defaultFeedURL,
			Description: "base URL of the comic feed",
		},
		"random": {
			Type: schema.TypeBool, Default: true,
			Description: "pick a random comic; false always shows the latest",
		},
		"max_width": {
			Type: schema.TypeInt, Default: defaultMaxWidth, Range: positive(),
			Description: "comics wider than this are skipped",
		},
		"max_height": {
			Type: schema.TypeInt, Default: defaultMaxHeight, Range: positive(),
			Description: "comics taller than this are skipped",
		},
		"max_retries": {
			Type: schema.TypeInt, Default: defaultRetries, Range: positive(),
			Description: "attempts to find a comic that fits the panel",
		},
	}
}

func positive() *schema.Range {
	min := 1.0
	return &schema.Range{Min: &min}
}

// metadata is the slice of the feed document the panel cares about.
type metadata struct {
	Num   int    `json:"num"`
	Title string `json:"title"`
	Alt   string `json:"alt"`
	Img   string `json:"img"`
}

type comic struct {
	fetcher contentcache.Fetcher
	randInt func(n int) int
}

func (c *comic) update(ctx context.Context, inst *plugin.Instance) plugin.Result {
	p := resolveParams(inst.Params())
	log := inst.Log()

	latest, err := c.fetchMetadata(ctx, p.feedURL+"/"+metadataDoc)
	if err != nil {
		log.Warn("comic feed unavailable", logx.Err(err))
		return plugin.Result{Success: false}
	}

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		md := latest
		if p.random && latest.Num > 1 {
			idx := 1 + c.randInt(latest.Num)
			md, err = c.fetchMetadata(ctx, fmt.Sprintf("%s/%d/%s", p.feedURL, idx, metadataDoc))
			if err != nil {
				log.Debug("comic metadata fetch failed", logx.Int("num", idx), logx.Err(err))
				continue
			}
		}
		if md.Img == "" {
			log.Debug("comic has no image", logx.Int("num", md.Num))
			continue
		}

		local, err := inst.Fetch(ctx, md.Img)
		if err != nil {
			log.Warn("comic image fetch failed", logx.String("url", md.Img), logx.Err(err))
			continue
		}

		w, h, err := imageSize(local)
		if err != nil {
			log.Debug("comic image unreadable", logx.String("path", local), logx.Err(err))
			continue
		}
		if w >= p.maxWidth || h >= p.maxHeight {
			log.Debug("comic too large for panel",
				logx.Int("num", md.Num), logx.Int("width", w), logx.Int("height", h))
			if !p.random {
				// The latest comic never changes within one update; give up.
				break
			}
			continue
		}

		return plugin.Result{
			Data: map[string]any{
				"num":        md.Num,
				"title":      md.Title,
				"alt":        md.Alt,
				"image_url":  md.Img,
				"image_file": local,
			},
			Success: true,
		}
	}

	log.Warn("no suitable comic found", logx.Int("attempts", p.maxRetries))
	return plugin.Result{Success: false}
}

func (c *comic) fetchMetadata(ctx context.Context, url string) (metadata, error) {
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return metadata{}, err
	}
	defer body.Close()

	var md metadata
	if err := json.NewDecoder(body).Decode(&md); err != nil {
		return metadata{}, fmt.Errorf("decode %s: %w", url, err)
	}
	return md, nil
}

// imageSize reads only the header, never the full pixel data.
func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

type params struct {
	feedURL    string
	random     bool
	maxWidth   int
	maxHeight  int
	maxRetries int
}

func resolveParams(m map[string]any) params {
	p := params{
		feedURL:    defaultFeedURL,
		random:     true,
		maxWidth:   defaultMaxWidth,
		maxHeight:  defaultMaxHeight,
		maxRetries: defaultRetries,
	}
	if s, ok := m["feed_url"].(string); ok && strings.TrimSpace(s) != "" {
		p.feedURL = strings.TrimRight(s, "/")
	}
	if b, ok := m["random"].(bool); ok {
		p.random = b
	}
	if n := intParam(m, "max_width"); n > 0 {
		p.maxWidth = n
	}
	if n := intParam(m, "max_height"); n > 0 {
		p.maxHeight = n
	}
	if n := intParam(m, "max_retries"); n > 0 {
		p.maxRetries = n
	}
	return p
}

func intParam(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
