package config

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderDefaultTOML renders a TOML config with defaults from GetConfigOptions.
func RenderDefaultTOML() string {
	var b strings.Builder
	b.WriteString("# pairipc configuration (TOML)\n\n")

	top, sections, order := splitSections(GetConfigOptions())
	for _, o := range top {
		writeTOMLOption(&b, o.Key, o.Default, o.Comment)
	}
	for _, section := range order {
		b.WriteString("[" + section + "]\n")
		for _, o := range sections[section] {
			writeTOMLOption(&b, o.Key, o.Default, o.Comment)
		}
	}
	return b.String()
}

// UpdateTOML merges missing defaults into an existing TOML string and
// comments out keys the schema no longer knows.
func UpdateTOML(existing string) (string, bool) {
	lines := strings.Split(existing, "\n")
	opts := GetConfigOptions()

	known := make(map[string]ConfigOption, len(opts))
	for _, o := range opts {
		known[o.Key] = o
	}

	existingKeys := make(map[string]bool)
	currentSection := ""
	out := make([]string, 0, len(lines))
	changed := false

	for _, line := range lines {
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "#") {
			out = append(out, line)
			continue
		}
		if strings.HasPrefix(trim, "[") && strings.HasSuffix(trim, "]") {
			currentSection = strings.TrimSpace(trim[1 : len(trim)-1])
			out = append(out, line)
			continue
		}
		key, ok := parseTOMLKey(line)
		if !ok {
			out = append(out, line)
			continue
		}
		fullKey := key
		if currentSection != "" {
			fullKey = currentSection + "." + key
		}
		existingKeys[fullKey] = true
		if _, ok := known[fullKey]; !ok {
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			out = append(out, indent+"# OUTDATED: option removed from config schema")
			out = append(out, indent+"# "+strings.TrimLeft(line, " \t"))
			changed = true
			continue
		}
		out = append(out, line)
	}

	missing := make([]ConfigOption, 0)
	for _, o := range opts {
		if !existingKeys[o.Key] {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		top, sections, order := splitSections(missing)
		if len(top) > 0 {
			// Top-level keys must precede the first table header.
			var b strings.Builder
			b.WriteString("# Added by config update\n")
			for _, o := range top {
				writeTOMLOption(&b, o.Key, o.Default, o.Comment)
			}
			at := firstSectionLine(out)
			head := append([]string(nil), out[:at]...)
			head = append(head, strings.Split(strings.TrimRight(b.String(), "\n"), "\n")...)
			head = append(head, "")
			out = append(head, out[at:]...)
		}
		var appended strings.Builder
		for _, section := range order {
			var b strings.Builder
			for _, o := range sections[section] {
				writeTOMLOption(&b, o.Key, o.Default, o.Comment)
			}
			// Reopening an existing table is invalid TOML, so keys for a
			// section already in the file go right under its header.
			if at := sectionLine(out, section); at >= 0 {
				add := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				add = append(add, "")
				tail := append(add, out[at+1:]...)
				out = append(out[:at+1], tail...)
				continue
			}
			appended.WriteString("[" + section + "]\n" + b.String())
		}
		if appended.Len() > 0 {
			out = append(out, "", "# Added by config update")
			out = append(out, strings.Split(strings.TrimRight(appended.String(), "\n"), "\n")...)
		}
		changed = true
	}

	return strings.Join(out, "\n"), changed
}

func sectionLine(lines []string, section string) int {
	for i, line := range lines {
		if strings.TrimSpace(line) == "["+section+"]" {
			return i
		}
	}
	return -1
}

func firstSectionLine(lines []string) int {
	for i, line := range lines {
		trim := strings.TrimSpace(line)
		if strings.HasPrefix(trim, "[") && strings.HasSuffix(trim, "]") {
			return i
		}
	}
	return len(lines)
}

// splitSections groups dotted keys by everything before the last dot.
func splitSections(opts []ConfigOption) ([]ConfigOption, map[string][]ConfigOption, []string) {
	var top []ConfigOption
	sections := make(map[string][]ConfigOption)
	var order []string
	for _, o := range opts {
		i := strings.LastIndex(o.Key, ".")
		if i < 0 {
			top = append(top, o)
			continue
		}
		section := o.Key[:i]
		if _, ok := sections[section]; !ok {
			order = append(order, section)
		}
		sections[section] = append(sections[section], ConfigOption{Key: o.Key[i+1:], Default: o.Default, Comment: o.Comment})
	}
	return top, sections, order
}

func parseTOMLKey(line string) (string, bool) {
	idx := strings.Index(line, "=")
	if idx == -1 {
		return "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" || strings.HasPrefix(key, "[") {
		return "", false
	}
	if strings.HasPrefix(key, "\"") || strings.HasPrefix(key, "'") {
		return "", false
	}
	return key, true
}

func writeTOMLOption(b *strings.Builder, key string, value any, comment string) {
	if comment != "" {
		b.WriteString("# " + comment + "\n")
	}
	b.WriteString(key + " = " + formatTOMLValue(value) + "\n\n")
}

func formatTOMLValue(value any) string {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		f := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.ContainsAny(f, ".eE") {
			f += ".0"
		}
		return f
	case []string:
		quoted := make([]string, len(v))
		for i, s := range v {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
