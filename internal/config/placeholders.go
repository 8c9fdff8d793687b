package config

import (
	"fmt"
	"os"
	"strings"
)

type placeholderKind int

const (
	placeholderEnvDefault placeholderKind = iota // {$VAR} or {$VAR:default}
	placeholderEnv                               // {env.VAR}
	placeholderFile                              // {file.path}
)

var placeholderPrefixes = []struct {
	prefix string
	kind   placeholderKind
	label  string
}{
	{prefix: "{$", kind: placeholderEnvDefault, label: "{$...}"},
	{prefix: "{env.", kind: placeholderEnv, label: "{env.*}"},
	{prefix: "{file.", kind: placeholderFile, label: "{file.*}"},
}

// resolvePlaceholders expands env and file placeholders in one pass. Missing
// env vars without a default expand to "" with a warning. Unreadable files
// are errors.
func resolvePlaceholders(in string) (string, []string, []string) {
	var errs, warns []string
	if !strings.Contains(in, "{") {
		return in, nil, nil
	}

	var out strings.Builder
	out.Grow(len(in))

scan:
	for i := 0; i < len(in); {
		for _, p := range placeholderPrefixes {
			if !strings.HasPrefix(in[i:], p.prefix) {
				continue
			}
			start := i + len(p.prefix)
			end := strings.IndexByte(in[start:], '}')
			if end == -1 {
				errs = append(errs, "unterminated "+p.label+" placeholder")
				out.WriteString(in[i:])
				break scan
			}
			body := in[start : start+end]
			i = start + end + 1

			switch p.kind {
			case placeholderEnvDefault:
				name, def, hasDef := strings.Cut(body, ":")
				out.WriteString(lookupEnv(name, def, hasDef, p.label, &errs, &warns))
			case placeholderEnv:
				out.WriteString(lookupEnv(body, "", false, p.label, &errs, &warns))
			case placeholderFile:
				if body == "" {
					errs = append(errs, "empty path in {file.*} placeholder")
					continue scan
				}
				b, err := os.ReadFile(body)
				if err != nil {
					errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
					continue scan
				}
				out.WriteString(strings.TrimRight(string(b), "\r\n"))
			}
			continue scan
		}
		out.WriteByte(in[i])
		i++
	}
	return out.String(), errs, warns
}

func lookupEnv(name, def string, hasDef bool, label string, errs, warns *[]string) string {
	if name == "" {
		*errs = append(*errs, "empty env var in "+label+" placeholder")
		return ""
	}
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	if hasDef {
		return def
	}
	*warns = append(*warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
	return ""
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", field, err))
	}
	for _, warn := range warns {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", field, warn))
	}
	return strings.TrimSpace(val)
}
