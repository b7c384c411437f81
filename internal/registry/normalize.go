package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// FileEntry is one stored file as reported by the backend. Name is never
// empty; Size and UploadedAt are nil until the backend reports them.
type FileEntry struct {
	Name       string
	Size       *int64
	UploadedAt *time.Time
}

// Shape tags the layout a list response arrived in.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeFilesField is an object whose "files" field is an array.
	ShapeFilesField
	// ShapeBareArray is a top-level array.
	ShapeBareArray
	// ShapeAnyArrayField is an object with some other array-valued field.
	ShapeAnyArrayField
)

func (s Shape) String() string {
	switch s {
	case ShapeFilesField:
		return "files-field"
	case ShapeBareArray:
		return "bare-array"
	case ShapeAnyArrayField:
		return "any-array-field"
	default:
		return "unknown"
	}
}

// ErrNoFileArray means a list response held no array to read names from.
var ErrNoFileArray = errors.New("response contains no file array")

// Normalize turns a list response body into entries. Strings and objects
// with a non-empty "name" are kept, everything else is skipped, and a
// repeated name keeps only its first occurrence.
func Normalize(raw []byte) ([]FileEntry, Shape, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, ShapeUnknown, fmt.Errorf("invalid JSON: %w", err)
	}

	items, shape := locateArray(doc)
	if shape == ShapeUnknown {
		return nil, ShapeUnknown, ErrNoFileArray
	}

	seen := make(map[string]struct{}, len(items))
	entries := make([]FileEntry, 0, len(items))
	for _, item := range items {
		entry, ok := entryFrom(item)
		if !ok {
			continue
		}
		if _, dup := seen[entry.Name]; dup {
			continue
		}
		seen[entry.Name] = struct{}{}
		entries = append(entries, entry)
	}
	return entries, shape, nil
}

func locateArray(doc any) ([]any, Shape) {
	switch v := doc.(type) {
	case []any:
		return v, ShapeBareArray
	case map[string]any:
		if files, ok := v["files"].([]any); ok {
			return files, ShapeFilesField
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if arr, ok := v[k].([]any); ok {
				return arr, ShapeAnyArrayField
			}
		}
	}
	return nil, ShapeUnknown
}

func entryFrom(item any) (FileEntry, bool) {
	switch v := item.(type) {
	case string:
		if v == "" {
			return FileEntry{}, false
		}
		return FileEntry{Name: v}, true
	case map[string]any:
		name, _ := v["name"].(string)
		if name == "" {
			return FileEntry{}, false
		}
		entry := FileEntry{Name: name}
		entry.Size = sizeOf(v["size"])
		entry.UploadedAt = timeOf(v["uploaded_at"])
		if entry.UploadedAt == nil {
			entry.UploadedAt = timeOf(v["created_at"])
		}
		return entry, true
	}
	return FileEntry{}, false
}

func sizeOf(v any) *int64 {
	n, ok := v.(json.Number)
	if !ok {
		return nil
	}
	if i, err := n.Int64(); err == nil && i >= 0 {
		return &i
	}
	f, err := n.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return nil
	}
	i := int64(f)
	return &i
}

func timeOf(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// Merge returns entries with metadata from info filled in for the matching
// name. Fields info does not carry keep their current value.
func Merge(entries []FileEntry, info FileEntry) []FileEntry {
	out := slices.Clone(entries)
	for i := range out {
		if out[i].Name != info.Name {
			continue
		}
		if info.Size != nil {
			out[i].Size = info.Size
		}
		if info.UploadedAt != nil {
			out[i].UploadedAt = info.UploadedAt
		}
		break
	}
	return out
}
