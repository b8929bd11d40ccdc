package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/ggonzalez94/xswap/internal/model"
)

const (
	ModeJSON  = "json"
	ModePlain = "plain"
)

type Options struct {
	Mode         string
	SelectFields []string
	ResultsOnly  bool
}

var (
	errorLabel   = color.New(color.FgRed, color.Bold)
	warningLabel = color.New(color.FgYellow)
	okLabel      = color.New(color.FgGreen)
)

func Render(w io.Writer, env model.Envelope, opts Options) error {
	data := env.Data
	if len(opts.SelectFields) > 0 {
		data = project(data, opts.SelectFields)
	}

	if opts.Mode != ModePlain {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if opts.ResultsOnly {
			return enc.Encode(data)
		}
		env.Data = data
		return enc.Encode(env)
	}

	if opts.ResultsOnly {
		return renderPlain(w, data)
	}
	if env.Error != nil {
		if _, err := fmt.Fprintf(w, "%s %s: %s\n", errorLabel.Sprint("error"), env.Error.Type, env.Error.Message); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintln(w, okLabel.Sprint("ok")); err != nil {
		return err
	}
	if data != nil {
		if err := renderPlain(w, data); err != nil {
			return err
		}
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "%s %s\n", warningLabel.Sprint("warning"), warning); err != nil {
			return err
		}
	}
	meta := fmt.Sprintf("command=%s request_id=%s", env.Meta.Command, env.Meta.RequestID)
	if env.Meta.Cache.Status != "" {
		meta += fmt.Sprintf(" cache=%s age_ms=%d stale=%t", env.Meta.Cache.Status, env.Meta.Cache.AgeMS, env.Meta.Cache.Stale)
	}
	_, err := fmt.Fprintln(w, meta)
	return err
}

// renderPlain prints one line per list item, or one line for a single value,
// as sorted key=value pairs with nested keys joined by dots.
func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if _, err := fmt.Fprintln(w, toLine(normalizeValue(v.Index(i).Interface()))); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintln(w, toLine(normalizeValue(data)))
		return err
	}
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

// projectMap keeps the listed fields. A dotted field reaches into nested
// objects ("route.to_amount").
func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookupPath(m, strings.Split(f, ".")); ok {
			out[f] = v
		}
	}
	return out
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	v, ok := m[path[0]]
	if !ok || len(path) == 1 {
		return v, ok
	}
	next, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(next, path[1:])
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return scalar(v)
	}
	flat := map[string]string{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, " ")
}

func flatten(prefix string, v any, into map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, item, into)
		}
	case []any:
		scalars := make([]string, 0, len(t))
		for i, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				flatten(fmt.Sprintf("%s[%d]", prefix, i), item, into)
			default:
				scalars = append(scalars, scalar(item))
			}
		}
		if len(scalars) > 0 || len(t) == 0 {
			into[prefix] = strings.Join(scalars, ",")
		}
	default:
		into[prefix] = scalar(v)
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	}
}
