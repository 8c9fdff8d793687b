package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// normalizeInput strips a UTF-8 BOM and turns CRLF/CR into LF.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, []byte{0xEF, 0xBB, 0xBF})

	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// Format re-encodes cfg with stable key order and two-space indentation.
// Placeholders are kept as written.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: format: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: format: %w", err)
	}
	return buf.Bytes(), nil
}
