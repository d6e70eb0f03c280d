// Package netcheck provides the link speed plugin. Measurements are
// expensive and chatty on the wire, so the declaration should give it a long
// refresh interval; the plugin itself only bounds a single run.
package netcheck

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"inkdeck/internal/plugin"
	"inkdeck/internal/schema"
	"inkdeck/pkg/logx"
)

const (
	defaultServers        = 5
	defaultMaxConnections = 4
)

// measurement is one completed run, panel-ready.
type measurement struct {
	PingMs       float64
	DownloadMbps float64
	UploadMbps   float64
	ISP          string
	ServerName   string
	Country      string
}

// measureFunc runs one network measurement. Split out so tests can replace
// the real speedtest with a canned result.
type measureFunc func(ctx context.Context, p params) (*measurement, error)

// Factory returns the netcheck plugin type backed by speedtest.net.
func Factory() plugin.Factory {
	return factoryWith(measure)
}

func factoryWith(run measureFunc) plugin.Factory {
	n := &netcheck{run: run}
	return plugin.Factory{
		Type:         "netcheck",
		Description:  "link speed measurement (ping, download, optional upload)",
		ParamsSchema: paramsSchema(),
		Update:       n.update,
	}
}

func paramsSchema() schema.Schema {
	return schema.Schema{
		"servers": {
			Type: schema.TypeInt, Default: defaultServers, Range: atLeast(1),
			Description: "nearest candidate servers considered; the lowest-latency one runs the full test",
		},
		"upload": {
			Type: schema.TypeBool, Default: false,
			Description: "also measure upload (roughly doubles run time and traffic)",
		},
		"max_connections": {
			Type: schema.TypeInt, Default: defaultMaxConnections, Range: atLeast(1),
			Description: "parallel connections used by the transfer test",
		},
		"saving_mode": {
			Type: schema.TypeBool, Default: false,
			Description: "reduce memory and traffic at the cost of accuracy",
		},
	}
}

func atLeast(v float64) *schema.Range { return &schema.Range{Min: &v} }

type netcheck struct {
	run measureFunc
}

func (n *netcheck) update(ctx context.Context, inst *plugin.Instance) plugin.Result {
	p := resolveParams(inst.Params())
	log := inst.Log()

	start := time.Now()
	m, err := n.run(ctx, p)
	if err != nil {
		log.Warn("speed measurement failed", logx.Err(err))
		return plugin.Result{Success: false}
	}
	log.Info("speed measurement complete",
		logx.Float64("download_mbps", m.DownloadMbps),
		logx.Float64("ping_ms", m.PingMs),
		logx.Duration("took", time.Since(start)))

	data := map[string]any{
		"ping_ms":       m.PingMs,
		"download_mbps": m.DownloadMbps,
		"isp":           m.ISP,
		"server":        m.ServerName,
		"country":       m.Country,
		"measured_at":   start.Format("15:04"),
	}
	if p.upload {
		data["upload_mbps"] = m.UploadMbps
	}
	return plugin.Result{Data: data, Success: true}
}

// measure runs one speedtest: nearest candidates by distance, pinged in
// turn, full transfer test against the lowest-latency responder. Everything
// honors ctx, so the instance's update timeout bounds the whole run.
func measure(ctx context.Context, p params) (*measurement, error) {
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     p.savingMode,
		MaxConnections: p.maxConnections,
	}))
	stc.SetNThread(p.maxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > p.servers {
		servers = servers[:p.servers]
	}

	var best *st.Server
	for _, s := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	m := &measurement{
		PingMs:       float64(best.Latency.Milliseconds()),
		DownloadMbps: best.DLSpeed.Mbps(),
		ISP:          user.Isp,
		ServerName:   best.Sponsor,
		Country:      best.Country,
	}
	if p.upload {
		if err := best.UploadTestContext(ctx); err != nil {
			return nil, fmt.Errorf("upload test: %w", err)
		}
		m.UploadMbps = best.ULSpeed.Mbps()
	}
	return m, nil
}

type params struct {
	servers        int
	upload         bool
	maxConnections int
	savingMode     bool
}

func resolveParams(m map[string]any) params {
	p := params{servers: defaultServers, maxConnections: defaultMaxConnections}
	if n := intParam(m, "servers"); n > 0 {
		p.servers = n
	}
	if n := intParam(m, "max_connections"); n > 0 {
		p.maxConnections = n
	}
	p.upload, _ = m["upload"].(bool)
	p.savingMode, _ = m["saving_mode"].(bool)
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
