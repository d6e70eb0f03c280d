// Package clock provides the time/date plugin. It needs no network and is
// the usual always-on rotation member: short refresh, short display window.
package clock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inkdeck/internal/plugin"
	"inkdeck/internal/schema"
)

const (
	defaultFormat = "15:04"

	styleDigital = "digital"
	styleWords   = "words"
)

// Factory returns the clock plugin type.
func Factory() plugin.Factory {
	return factoryWith(time.Now)
}

// factoryWith lets tests inject the clock.
func factoryWith(now func() time.Time) plugin.Factory {
	return plugin.Factory{
		Type:         "clock",
		Description:  "local time and date",
		ParamsSchema: paramsSchema(),
		Init: func(ctx context.Context, inst *plugin.Instance) error {
			_, err := resolveParams(inst.Params())
			return err
		},
		Update: func(ctx context.Context, inst *plugin.Instance) plugin.Result {
			p, err := resolveParams(inst.Params())
			if err != nil {
				inst.Log().Warn("clock params became invalid")
				return plugin.Result{Success: false}
			}
			t := now().In(p.loc)

			data := map[string]any{"digit_time": t.Format(p.format)}
			if p.style == styleWords {
				data["wordtime"] = wordTime(t)
			}
			if p.showDate {
				data["date"] = t.Format("Mon Jan 2")
			}
			return plugin.Result{Data: data, Success: true}
		},
	}
}

func paramsSchema() schema.Schema {
	return schema.Schema{
		"format": {
			Type: schema.TypeString, Default: defaultFormat,
			Description: "Go reference layout for the digit_time field",
		},
		"style": {
			Type: schema.TypeString, Default: styleDigital,
			Allowed:     []any{styleDigital, styleWords},
			Description: "digital shows HH:MM, words spells the time out",
		},
		"timezone": {
			Type: schema.TypeString, Default: "Local",
			Description: "IANA zone name, or Local for the system zone",
		},
		"show_date": {
			Type: schema.TypeBool, Default: false,
			Description: "add a date field to the plugin data",
		},
	}
}

type params struct {
	format   string
	style    string
	showDate bool
	loc      *time.Location
}

func resolveParams(m map[string]any) (params, error) {
	p := params{format: defaultFormat, style: styleDigital, loc: time.Local}
	if s, ok := m["format"].(string); ok && strings.TrimSpace(s) != "" {
		p.format = s
	}
	if s, ok := m["style"].(string); ok && s != "" {
		p.style = s
	}
	p.showDate, _ = m["show_date"].(bool)

	tz, _ := m["timezone"].(string)
	tz = strings.TrimSpace(tz)
	if tz != "" && !strings.EqualFold(tz, "Local") {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return params{}, fmt.Errorf("timezone %q: %w", tz, err)
		}
		p.loc = loc
	}
	return p, nil
}

var hourWords = [12]string{
	"Twelve", "One", "Two", "Three", "Four", "Five",
	"Six", "Seven", "Eight", "Nine", "Ten", "Eleven",
}

var minuteWords = [7]string{
	"O'clock", "Ten After", "Twenty After", "Half Past",
	"Twenty 'Til", "Ten 'Til", "O'clock",
}

// wordTime spells the time out in roughly-ten-minute buckets, e.g.
// "It's about Half Past Seven". From minute 35 on, the phrase leans on the
// coming hour ("Twenty 'Til Eight"). The output is deterministic for a given
// bucket so unchanged time does not churn the rendered frame.
func wordTime(t time.Time) string {
	h, m := t.Hour(), t.Minute()

	bucket := 0
	if m > 0 {
		bucket = int(float64(m-1)*6/58 + 0.5)
	}
	if m >= 35 {
		h++
	}

	hour := hourWords[h%12]
	min := minuteWords[bucket]

	var phrase string
	if bucket == 0 || bucket == 6 {
		phrase = hour + " " + min
	} else {
		phrase = min + " " + hour
	}
	return "It's about " + phrase
}
