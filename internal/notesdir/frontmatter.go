package notesdir

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrFrontMatter is returned for an unterminated or undecodable header
var ErrFrontMatter = errors.New("invalid front matter")

// Meta is the note metadata read from front matter
type Meta struct {
	Title   string
	Tags    []string
	Type    string
	Status  string
	Created time.Time
}

// splitFrontMatter separates a leading "---" YAML or "+++" TOML block from
// the body. A file without one is all body.
func splitFrontMatter(data []byte) (meta map[string]any, body []byte, err error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	var fence string
	switch {
	case hasFence(data, "---"):
		fence = "---"
	case hasFence(data, "+++"):
		fence = "+++"
	default:
		return nil, data, nil
	}

	rest := data[bytes.IndexByte(data, '\n')+1:]
	end := -1
	offset := 0
	for _, line := range bytes.SplitAfter(rest, []byte("\n")) {
		if strings.TrimRight(string(line), " \t\r\n") == fence {
			end = offset
			offset += len(line)
			break
		}
		offset += len(line)
	}
	if end < 0 {
		return nil, nil, fmt.Errorf("%w: missing closing %s", ErrFrontMatter, fence)
	}

	header := rest[:end]
	meta = make(map[string]any)
	if fence == "---" {
		err = yaml.Unmarshal(header, &meta)
	} else {
		err = toml.Unmarshal(header, &meta)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFrontMatter, err)
	}
	return meta, rest[offset:], nil
}

func hasFence(data []byte, fence string) bool {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return false
	}
	return strings.TrimRight(string(data[:nl]), " \t\r") == fence
}

// parseMeta reads the known keys. Tags may be a list or a comma separated
// string; created may also be spelled date.
func parseMeta(raw map[string]any) Meta {
	var m Meta
	m.Title = stringValue(raw["title"])
	m.Type = stringValue(raw["type"])
	m.Status = strings.ToLower(stringValue(raw["status"]))

	switch tags := raw["tags"].(type) {
	case []any:
		for _, t := range tags {
			if s := stringValue(t); s != "" {
				m.Tags = append(m.Tags, s)
			}
		}
	case []string:
		m.Tags = append(m.Tags, tags...)
	case string:
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				m.Tags = append(m.Tags, t)
			}
		}
	}

	for _, key := range []string{"created", "date"} {
		if t, ok := timeValue(raw[key]); ok {
			m.Created = t
			break
		}
	}
	return m
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case toml.LocalDateTime:
		return t.AsTime(time.UTC), true
	case toml.LocalDate:
		return t.AsTime(time.UTC), true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// firstHeading returns the text of the first "# " line
func firstHeading(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}
