package config

import "log/slog"

// Secret is a string that never leaves the process in readable form.
// Every formatting and serialization path renders it as [redacted];
// code that genuinely needs the value calls Reveal.
type Secret string

const redacted = "[redacted]"

// Reveal returns the raw secret value.
func (s Secret) Reveal() string { return string(s) }

// Empty reports whether the secret is unset.
func (s Secret) Empty() bool { return s == "" }

// String implements fmt.Stringer, hiding the value from %s/%v verbs.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString hides the value from the %#v verb.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer so secrets passed as log attributes
// are masked.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalText hides the value from text-based encoders.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalJSON hides the value from JSON encoding.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redacted + `"`), nil
}
