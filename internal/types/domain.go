package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HTTPMethod is the request method used against a monitored endpoint.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodDelete HTTPMethod = "DELETE"
	MethodPatch  HTTPMethod = "PATCH"
)

// ParseHTTPMethod normalizes s and reports whether it is a supported method.
func ParseHTTPMethod(s string) (HTTPMethod, bool) {
	m := HTTPMethod(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch:
		return m, true
	}
	return "", false
}

// SendsQuery reports whether parameters travel in the query string rather
// than in a JSON body.
func (m HTTPMethod) SendsQuery() bool {
	return m == MethodGet
}

// Field is a single key/value entry of a Fields mapping.
type Field struct {
	Key   string
	Value any
}

// Fields is an ordered string-keyed mapping of arbitrary JSON values. It is
// used for request parameters, headers and additional parameters, which are
// passed through to the target API opaquely. Key order survives a JSON round
// trip.
type Fields []Field

// Get returns the value stored under key.
func (f Fields) Get(key string) (any, bool) {
	for _, fl := range f {
		if fl.Key == key {
			return fl.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key or appends a new entry.
func (f Fields) Set(key string, value any) Fields {
	for i := range f {
		if f[i].Key == key {
			f[i].Value = value
			return f
		}
	}
	return append(f, Field{Key: key, Value: value})
}

// Merge returns a copy of f with every entry of other applied on top.
func (f Fields) Merge(other Fields) Fields {
	out := make(Fields, len(f), len(f)+len(other))
	copy(out, f)
	for _, fl := range other {
		out = out.Set(fl.Key, fl.Value)
	}
	return out
}

// Map flattens the mapping into a plain map.
func (f Fields) Map() map[string]any {
	m := make(map[string]any, len(f))
	for _, fl := range f {
		m[fl.Key] = fl.Value
	}
	return m
}

// Redacted returns a copy with every value replaced by the redaction marker.
func (f Fields) Redacted() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for i, fl := range f {
		out[i] = Field{Key: fl.Key, Value: redactedPlaceholder}
	}
	return out
}

// MarshalJSON encodes the mapping as a JSON object, preserving key order.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fl := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(fl.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(fl.Value)
		if err != nil {
			return nil, fmt.Errorf("fields: value for %q: %w", fl.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping top-level key order. A JSON
// null yields an empty mapping; any other non-object is rejected.
func (f *Fields) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected JSON object")
	}
	out := Fields{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("fields: expected string key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("fields: value for %q: %w", key, err)
		}
		out = out.Set(key, normalizeNumber(value))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// normalizeNumber turns a json.Number into int64 when integral, float64
// otherwise, so values compare naturally after decoding.
func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if fl, err := n.Float64(); err == nil {
		return fl
	}
	return n.String()
}

// MonitorConfig is a tenant's declared target endpoint plus its polling
// schedule. ConfigID is the only identifier exposed outside the store.
type MonitorConfig struct {
	ID            int64  `json:"-" db:"id"`
	ConfigID      string `json:"config_id" db:"config_id"`
	TenantKeyHash string `json:"-" db:"tenant_key_hash"`

	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	Method      HTTPMethod `json:"method" db:"method"`
	BaseURL     string     `json:"base_url" db:"base_url"`
	Endpoint    string     `json:"endpoint,omitempty" db:"endpoint"`

	Params           Fields `json:"params" db:"params"`
	Headers          Fields `json:"headers" db:"headers"`
	AdditionalParams Fields `json:"additional_params" db:"additional_params"`

	IsActive        bool       `json:"is_active" db:"is_active"`
	IntervalMinutes float64    `json:"interval_minutes" db:"interval_minutes"`
	StartAt         time.Time  `json:"start_at" db:"start_at"`
	StopAt          time.Time  `json:"stop_at" db:"stop_at"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty" db:"next_fire_at"`
	// FirstFireAt is the first boundary of the latest activation.
	FirstFireAt *time.Time `json:"first_fire_at,omitempty" db:"first_fire_at"`

	ClaimedBy      *string    `json:"-" db:"claimed_by"`
	ClaimExpiresAt *time.Time `json:"-" db:"claim_expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Interval returns the polling interval as a duration.
func (c *MonitorConfig) Interval() time.Duration {
	return MinutesToDuration(c.IntervalMinutes)
}

// TargetURL joins the base URL and endpoint path with exactly one slash.
func (c *MonitorConfig) TargetURL() string {
	return JoinURL(c.BaseURL, c.Endpoint)
}

// RequestParams returns Params with AdditionalParams applied on top.
func (c *MonitorConfig) RequestParams() Fields {
	return c.Params.Merge(c.AdditionalParams)
}

// MinutesToDuration converts fractional minutes to a duration, rounded to
// the millisecond.
func MinutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute)).Round(time.Millisecond)
}

// JoinURL concatenates base and endpoint with a single separating slash.
func JoinURL(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// Payload is a response body stored as JSON. Bodies that are valid JSON are
// kept as-is; anything else is stored as a JSON string.
type Payload json.RawMessage

// PayloadFromBody converts a raw HTTP body into a Payload. An empty body
// yields a nil Payload. NUL characters cannot be stored in JSONB, so bodies
// carrying them are kept as text with the NULs removed.
func PayloadFromBody(body []byte) Payload {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) && !bytes.Contains(trimmed, []byte(`\u0000`)) {
		out := make([]byte, len(trimmed))
		copy(out, trimmed)
		return Payload(out)
	}
	encoded, err := json.Marshal(string(bytes.ReplaceAll(body, []byte{0}, nil)))
	if err != nil {
		return nil
	}
	return Payload(encoded)
}

// MarshalJSON emits the stored JSON verbatim, or null when empty.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

// UnmarshalJSON stores a copy of data.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Text renders the payload for display: JSON strings are unquoted, any other
// value is returned as compact JSON text.
func (p Payload) Text() string {
	if len(p) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return string(p)
	}
	return buf.String()
}

// PollResult is the outcome of one executed poll against a configuration.
// Rows are insert-only. IsSuccessful reports whether an HTTP response was
// received at all; the upstream status code is kept separately.
type PollResult struct {
	ID              string    `json:"id" db:"id"`
	ConfigID        string    `json:"config_id" db:"config_id"`
	FireAt          time.Time `json:"fire_at" db:"fire_at"`
	CalledAt        time.Time `json:"called_at" db:"called_at"`
	ResponsePayload Payload   `json:"response_payload" db:"response_payload"`
	StatusCode      *int      `json:"status_code,omitempty" db:"status_code"`
	LatencyMS       int64     `json:"latency_ms" db:"latency_ms"`
	IsSuccessful    bool      `json:"is_successful" db:"is_successful"`
	ErrorMessage    *string   `json:"error_message,omitempty" db:"error_message"`
}

// ResultStats aggregates the outcome counters of a configuration.
type ResultStats struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	LastCallAt *time.Time `json:"last_call_at,omitempty"`
}

// ResultEvent is published for every scheduled result once it is committed.
type ResultEvent struct {
	ConfigID     string    `json:"config_id"`
	ResultID     string    `json:"result_id"`
	FireAt       time.Time `json:"fire_at"`
	CalledAt     time.Time `json:"called_at"`
	IsSuccessful bool      `json:"is_successful"`
	StatusCode   *int      `json:"status_code,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	Retired      bool      `json:"retired"`
}

// Schedule is the scheduling projection of an active configuration, as
// loaded by the scheduler on every sync.
type Schedule struct {
	ConfigID        string
	NextFireAt      *time.Time
	IntervalMinutes float64
	StartAt         time.Time
	StopAt          time.Time
}
