package connector

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/urg"
)

// Normalize maps one raw connector record into a graph resource. Keys
// matching the resource's json tags decode directly; the per-source
// fallbacks below cover the field names the real systems actually use.
func Normalize(raw map[string]any, source, resourceType string) (urg.Resource, error) {
	var res urg.Resource
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &res,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return urg.Resource{}, core.WrapError(core.CodeFatal, err, "failed to build record decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return urg.Resource{}, core.WrapError(core.CodeValidation, err, "malformed connector record")
	}

	res.Type = resourceType
	applyFallbacks(&res, raw, source)

	if res.ID == "" {
		return urg.Resource{}, core.NewErrorf(core.CodeValidation, "%s record has no id", source)
	}
	return res, nil
}

func applyFallbacks(res *urg.Resource, raw map[string]any, source string) {
	switch source {
	case "gmail", "outlook":
		fallbackString(&res.Title, raw, "subject")
		fallbackString(&res.Snippet, raw, "preview", "body")
		fallbackString(&res.ThreadID, raw, "thread")
		if from := stringAt(raw, "from"); from != "" {
			res.Participants = appendUnique(res.Participants, from)
		}
		for _, to := range stringsAt(raw, "to") {
			res.Participants = appendUnique(res.Participants, to)
		}
	case "slack", "teams":
		fallbackString(&res.Title, raw, "text")
		if len(res.Title) > 80 {
			res.Snippet = res.Title
			res.Title = res.Title[:80]
		}
		fallbackString(&res.ChannelID, raw, "channel")
		fallbackString(&res.ThreadID, raw, "thread_ts")
		if user := stringAt(raw, "user"); user != "" {
			res.Participants = appendUnique(res.Participants, user)
		}
		if res.Timestamp.IsZero() {
			res.Timestamp = slackTime(stringAt(raw, "ts"))
		}
	case "notion":
		fallbackString(&res.Title, raw, "page_title", "name")
		fallbackString(&res.Snippet, raw, "excerpt")
	}

	if res.Timestamp.IsZero() {
		for _, key := range []string{"date", "sent_at", "created_time"} {
			if ts, err := time.Parse(time.RFC3339, stringAt(raw, key)); err == nil {
				res.Timestamp = ts
				break
			}
		}
	}
}

// slackTime parses the "1717171717.000200" epoch format.
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func fallbackString(dst *string, raw map[string]any, keys ...string) {
	if *dst != "" {
		return
	}
	for _, key := range keys {
		if v := stringAt(raw, key); v != "" {
			*dst = v
			return
		}
	}
}

func stringAt(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func stringsAt(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
