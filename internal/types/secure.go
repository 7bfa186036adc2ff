package types

// redactedPlaceholder replaces secret values in logs, API projections and
// serialized configuration.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// RedactedValue is the marker substituted for hidden values.
const RedactedValue = redactedPlaceholder

// SecretString is a string that never prints or serializes its content.
// Use Unmask() where the plaintext is genuinely needed (hashing a tenant key,
// building a database connection string).
type SecretString string

// String returns the redaction marker.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redaction marker as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
