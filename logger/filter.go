package logger

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultMaskValue replaces sensitive values in log output.
	DefaultMaskValue = "***"

	// DefaultMaxDepth bounds recursion into nested maps.
	DefaultMaxDepth = 8
)

// FilterConfig defines which field names are treated as sensitive.
type FilterConfig struct {
	// SensitiveFields are matched case-insensitively as substrings of a field name.
	SensitiveFields []string
	// MaskValue replaces sensitive data (default: "***").
	MaskValue string
}

// DefaultFilterConfig covers credentials that travel through the request client.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "pwd",
			"secret", "api_key", "apikey",
			"token", "access_token", "refresh_token",
			"auth", "authorization",
			"cookie", "credential",
		},
		MaskValue: DefaultMaskValue,
	}
}

// SensitiveDataFilter masks sensitive values before they reach the log writer.
type SensitiveDataFilter struct {
	config *FilterConfig
}

// NewSensitiveDataFilter creates a filter. A nil config uses DefaultFilterConfig.
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaskValue == "" {
		config.MaskValue = DefaultMaskValue
	}
	return &SensitiveDataFilter{config: config}
}

// FilterString masks value when key is sensitive.
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if f.isSensitiveField(key) {
		return f.maskString(value)
	}
	return value
}

// FilterValue masks value when key is sensitive and walks string maps and
// HTTP headers so nested sensitive entries are masked too.
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	return f.filterValue(key, value, DefaultMaxDepth)
}

// FilterFields filters a map of logger fields.
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	filtered := make(map[string]any, len(fields))
	for key, value := range fields {
		filtered[key] = f.FilterValue(key, value)
	}
	return filtered
}

func (f *SensitiveDataFilter) filterValue(key string, value any, depth int) any {
	if f.isSensitiveField(key) {
		if s, ok := value.(string); ok {
			return f.maskString(s)
		}
		return f.config.MaskValue
	}
	if value == nil || depth <= 0 {
		return value
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = f.filterValue(k, item, depth-1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = f.FilterString(k, item)
		}
		return out
	case http.Header:
		out := make(map[string][]string, len(v))
		for k, items := range v {
			if f.isSensitiveField(k) {
				out[k] = []string{f.config.MaskValue}
				continue
			}
			out[k] = items
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = f.filterValue(key, item, depth-1)
		}
		return out
	default:
		return value
	}
}

func (f *SensitiveDataFilter) isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, sensitive := range f.config.SensitiveFields {
		if strings.Contains(lower, strings.ToLower(sensitive)) {
			return true
		}
	}
	return false
}

// maskString masks a sensitive string. URLs keep their structure with only the
// password replaced.
func (f *SensitiveDataFilter) maskString(value string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return f.maskURL(value)
	}
	return f.config.MaskValue
}

func (f *SensitiveDataFilter) maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return f.config.MaskValue
	}
	if parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}
	return f.buildMaskedURL(parsed)
}

// buildMaskedURL writes the URL by hand so the mask is not percent-encoded.
func (f *SensitiveDataFilter) buildMaskedURL(parsed *url.URL) string {
	var b strings.Builder

	b.WriteString(parsed.Scheme)
	b.WriteString("://")
	b.WriteString(parsed.User.Username())
	b.WriteByte(':')
	b.WriteString(f.config.MaskValue)
	b.WriteByte('@')
	b.WriteString(parsed.Host)

	if p := parsed.EscapedPath(); p != "" {
		b.WriteString(p)
	}
	if q := parsed.RawQuery; q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if frag := parsed.Fragment; frag != "" {
		b.WriteByte('#')
		b.WriteString(frag)
	}

	return b.String()
}
