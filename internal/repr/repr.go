// Package repr renders Go values in the literal style used by the cache's
// report format and key filenames: single-quoted strings, () tuples,
// [a, b] lists and {'k': v} maps. The rendering is deterministic so the
// same arguments always produce the same cache key.
package repr

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Pair is an ordered key/value entry for Map.
type Pair struct {
	Key   string
	Value any
}

// Value renders a single value.
func Value(v any) string {
	var b strings.Builder
	writeValue(&b, v)
	return b.String()
}

// Tuple renders an ordered argument list as a tuple literal.
// A single-element tuple carries the trailing comma: (x,).
func Tuple(vs []any) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, v := range vs {
		if i > 0 {
			b.WriteString(", ")
		}
		writeValue(&b, v)
	}
	if len(vs) == 1 {
		b.WriteByte(',')
	}
	b.WriteByte(')')
	return b.String()
}

// Map renders ordered pairs as a map literal, preserving pair order.
func Map(pairs []Pair) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(&b, p.Key)
		b.WriteString(": ")
		writeValue(&b, p.Value)
	}
	b.WriteByte('}')
	return b.String()
}

func writeValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
		return
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
		return
	case string:
		writeString(b, x)
		return
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		return
	case float32:
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
		return
	case Pair:
		// A bare pair renders as a single-entry map.
		writeValue(b, []Pair{x})
		return
	case []Pair:
		b.WriteString(Map(x))
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Slice, reflect.Array:
		writeList(b, rv)
	case reflect.Map:
		writeSortedMap(b, rv)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("None")
			return
		}
		writeValue(b, rv.Elem().Interface())
	default:
		// Structs and anything else fall back to the default Go form.
		fmt.Fprintf(b, "%v", v)
	}
}

func writeList(b *strings.Builder, rv reflect.Value) {
	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		writeValue(b, rv.Index(i).Interface())
	}
	b.WriteByte(']')
}

// writeSortedMap renders a native Go map with keys sorted by their rendered
// form, so unordered maps still produce stable keys.
func writeSortedMap(b *strings.Builder, rv reflect.Value) {
	type entry struct {
		key string
		val any
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{Value(iter.Key().Interface()), iter.Value().Interface()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.key)
		b.WriteString(": ")
		writeValue(b, e.val)
	}
	b.WriteByte('}')
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\x%02x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
}
