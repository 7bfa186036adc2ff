package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"hermes/internal/types"
)

// RequestSpec is everything needed to issue one call to a target API.
type RequestSpec struct {
	Method  types.HTTPMethod
	URL     string
	Params  types.Fields
	Headers types.Fields
}

// SpecFor derives the request of a stored configuration. Additional
// parameters are applied on top of Params.
func SpecFor(c *types.MonitorConfig) RequestSpec {
	return RequestSpec{
		Method:  c.Method,
		URL:     c.TargetURL(),
		Params:  c.RequestParams(),
		Headers: c.Headers,
	}
}

// BuildRequest turns spec into an *http.Request. GET sends Params in the
// query string, keeping any query already present on the URL. Every other
// method sends Params as a JSON object body.
func BuildRequest(ctx context.Context, spec RequestSpec) (*http.Request, error) {
	target, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing target url: %w", err)
	}

	var body io.Reader
	if spec.Method.SendsQuery() {
		if q := encodeQuery(spec.Params); q != "" {
			if target.RawQuery != "" {
				target.RawQuery += "&" + q
			} else {
				target.RawQuery = q
			}
		}
	} else if len(spec.Params) > 0 {
		encoded, err := json.Marshal(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, string(spec.Method), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for _, h := range spec.Headers {
		req.Header.Set(h.Key, formatValue(h.Value))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// encodeQuery encodes params in their declared order. Array values repeat
// the key; objects are sent as JSON text.
func encodeQuery(params types.Fields) string {
	var b strings.Builder
	add := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	for _, p := range params {
		if list, ok := p.Value.([]any); ok {
			for _, item := range list {
				add(p.Key, formatValue(item))
			}
			continue
		}
		add(p.Key, formatValue(p.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(encoded)
	}
}

// ParseLines reads the "key: value" one-per-line form. Lines without a
// colon or with an empty key are ignored. Values made only of digits become
// integers and true/false (any case) become booleans; everything else is
// kept as trimmed text. A repeated key keeps its first position and takes
// the last value.
func ParseLines(text string) types.Fields {
	var out types.Fields
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = out.Set(key, coerce(strings.TrimSpace(value)))
	}
	return out
}

func coerce(v string) any {
	if v != "" && strings.Trim(v, "0123456789") == "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		return v
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}
