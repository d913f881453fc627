package aptlist

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"pault.ag/go/debian/control"
)

var requiredKeys = []string{"Package", "Version", "Architecture", "Filename", "SHA256", "Size"}

// Parse reads a blank-line-separated stanza list and returns one Record
// per stanza. The parser performs no I/O beyond the reader it is handed;
// malformed input produces a *ParseError naming the offending line.
func Parse(r io.Reader) ([]Record, error) {
	var records []Record

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		raw       strings.Builder
		seen      = map[string]int{}
		startLine = 1
		line      = 0
	)

	flush := func() error {
		if raw.Len() == 0 {
			return nil
		}
		rec, err := parseStanza(raw.String(), startLine, seen)
		if err != nil {
			return err
		}
		records = append(records, *rec)
		raw.Reset()
		seen = map[string]int{}
		return nil
	}

	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			startLine = line + 1
			continue
		}
		if raw.Len() == 0 {
			startLine = line
		}
		switch {
		case text[0] == ' ' || text[0] == '\t':
			// continuation line; must follow a key line
			if raw.Len() == 0 {
				return nil, &ParseError{Line: line, Reason: "continuation line outside a stanza"}
			}
		default:
			colon := strings.IndexByte(text, ':')
			if colon <= 0 {
				return nil, &ParseError{Line: line, Reason: "expected 'Key: value'"}
			}
			key := strings.TrimSpace(text[:colon])
			if prev, ok := seen[key]; ok {
				return nil, &ParseError{Line: line, Reason: fmt.Sprintf("duplicate key %q (first seen on line %d)", key, prev)}
			}
			seen[key] = line
		}
		raw.WriteString(text)
		raw.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading package list: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseStanza(raw string, startLine int, seen map[string]int) (*Record, error) {
	for _, key := range requiredKeys {
		if _, ok := seen[key]; !ok {
			return nil, &ParseError{Line: startLine, Reason: fmt.Sprintf("missing required key %q", key)}
		}
	}

	var st stanza
	if err := control.Unmarshal(&st, strings.NewReader(raw)); err != nil {
		return nil, &ParseError{Line: startLine, Reason: fmt.Sprintf("decoding stanza: %v", err)}
	}

	size, err := strconv.ParseInt(strings.TrimSpace(st.Size), 10, 64)
	if err != nil || size < 0 {
		return nil, &ParseError{Line: seen["Size"], Reason: fmt.Sprintf("invalid Size %q", st.Size)}
	}

	return &Record{
		Name:         st.Package,
		Version:      st.Version,
		Architecture: st.Architecture,
		Filename:     st.Filename,
		SHA256:       strings.ToLower(strings.TrimSpace(st.SHA256)),
		Size:         size,
		Description:  st.Description,
		Depends:      st.Depends,
		Conflicts:    st.Conflicts,
		Provides:     st.Provides,
		Replaces:     st.Replaces,
	}, nil
}

// Serialize writes records back into stanza form. Serialize(Parse(x))
// reparses to the same records, which the tests rely on.
func Serialize(w io.Writer, records []Record) error {
	for i, r := range records {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		var b strings.Builder
		b.WriteString("Package: " + r.Name + "\n")
		b.WriteString("Version: " + r.Version + "\n")
		b.WriteString("Architecture: " + r.Architecture + "\n")
		writeList(&b, "Depends", r.Depends)
		writeList(&b, "Conflicts", r.Conflicts)
		writeList(&b, "Provides", r.Provides)
		writeList(&b, "Replaces", r.Replaces)
		b.WriteString("Filename: " + r.Filename + "\n")
		b.WriteString("Size: " + strconv.FormatInt(r.Size, 10) + "\n")
		b.WriteString("SHA256: " + r.SHA256 + "\n")
		if r.Description != "" {
			b.WriteString("Description: " + strings.ReplaceAll(r.Description, "\n", "\n ") + "\n")
		}
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func writeList(b *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	b.WriteString(key + ": " + strings.Join(values, ", ") + "\n")
}

// SortRecords orders records by name, then by version string, then
// architecture. Used to make index swaps deterministic.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		if records[i].Version != records[j].Version {
			return records[i].Version < records[j].Version
		}
		return records[i].Architecture < records[j].Architecture
	})
}
