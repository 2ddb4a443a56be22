// Package sandbox executes model-authored row transforms in an embedded
// Starlark interpreter. The interpreter has no filesystem, network or
// module access; the only inputs are the dataset rows and column
// metadata, and the only output is the returned row list.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/griddle-ai/griddle/internal/session"
)

const (
	// entryName is the function the code body is wrapped into. The body
	// runs with `rows` and `columns` bound as its arguments and must
	// return the new row list.
	entryName = "transform"

	DefaultMaxSteps = uint64(5_000_000)
	DefaultTimeout  = 5 * time.Second
)

var ErrBadTransform = errors.New("transform must return a list of row objects")

// Runner owns the interpreter limits. It is stateless between calls and
// safe for concurrent use.
type Runner struct {
	maxSteps uint64
	timeout  time.Duration
	logger   *log.Logger
}

// Option adjusts a Runner.
type Option func(*Runner)

// WithMaxSteps bounds the number of interpreter steps per transform.
func WithMaxSteps(n uint64) Option {
	return func(r *Runner) { r.maxSteps = n }
}

// WithTimeout bounds the wall clock per transform.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger routes interpreter prints and timing lines.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner builds a Runner with default limits.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		maxSteps: DefaultMaxSteps,
		timeout:  DefaultTimeout,
		logger:   log.New(log.Writer(), "[SANDBOX] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyTransform compiles the body, runs it against a Starlark copy of the
// rows and reports what changed. The original rows are never mutated; a
// failed transform leaves the dataset as it was.
func (r *Runner) ApplyTransform(ctx context.Context, columns []session.Column, rows []map[string]interface{}, body string) ([]map[string]interface{}, session.TransformMeta, error) {
	start := time.Now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	thread := &starlark.Thread{
		Name: entryName,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Printf("print: %s", msg)
		},
	}
	thread.SetMaxExecutionSteps(r.maxSteps)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("context cancelled")
		case <-watchDone:
		}
	}()

	globals, err := starlark.ExecFile(thread, "transform.star", wrap(body), nil)
	if err != nil {
		return nil, session.TransformMeta{}, fmt.Errorf("compile transform: %w", err)
	}
	fn, ok := globals[entryName].(starlark.Callable)
	if !ok {
		return nil, session.TransformMeta{}, errors.New("transform entry point missing")
	}

	slRows, err := rowsToStarlark(rows)
	if err != nil {
		return nil, session.TransformMeta{}, fmt.Errorf("convert rows: %w", err)
	}
	slCols, err := columnsToStarlark(columns)
	if err != nil {
		return nil, session.TransformMeta{}, fmt.Errorf("convert columns: %w", err)
	}

	out, err := starlark.Call(thread, fn, starlark.Tuple{slRows, slCols}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, session.TransformMeta{}, fmt.Errorf("transform cancelled after %s: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
		}
		return nil, session.TransformMeta{}, fmt.Errorf("run transform: %w", err)
	}

	newRows, err := rowsFromStarlark(out)
	if err != nil {
		return nil, session.TransformMeta{}, err
	}

	meta := diffMeta(rows, newRows)
	r.logger.Printf("transform: %d -> %d rows in %s", len(rows), len(newRows), time.Since(start).Round(time.Millisecond))
	return newRows, meta, nil
}

// wrap indents the body into the transform entry point. Top-level return
// is not legal Starlark, so the body always runs as a function.
func wrap(body string) string {
	var b strings.Builder
	b.WriteString("def ")
	b.WriteString(entryName)
	b.WriteString("(rows, columns):\n")
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func rowsToStarlark(rows []map[string]interface{}) (*starlark.List, error) {
	elems := make([]starlark.Value, 0, len(rows))
	for _, row := range rows {
		d, err := mapToStarlark(row)
		if err != nil {
			return nil, err
		}
		elems = append(elems, d)
	}
	return starlark.NewList(elems), nil
}

func columnsToStarlark(columns []session.Column) (*starlark.List, error) {
	elems := make([]starlark.Value, 0, len(columns))
	for _, c := range columns {
		d := starlark.NewDict(2)
		if err := d.SetKey(starlark.String("name"), starlark.String(c.Name)); err != nil {
			return nil, err
		}
		if err := d.SetKey(starlark.String("type"), starlark.String(c.Type)); err != nil {
			return nil, err
		}
		elems = append(elems, d)
	}
	return starlark.NewList(elems), nil
}

func mapToStarlark(m map[string]interface{}) (*starlark.Dict, error) {
	d := starlark.NewDict(len(m))
	for k, v := range m {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, err
		}
		if err := d.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case float64:
		return starlark.Float(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			se, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, se)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		return mapToStarlark(x)
	default:
		return starlark.String(fmt.Sprint(x)), nil
	}
}

func rowsFromStarlark(v starlark.Value) ([]map[string]interface{}, error) {
	iter := starlark.Iterate(v)
	if iter == nil {
		return nil, fmt.Errorf("%w, got %s", ErrBadTransform, v.Type())
	}
	defer iter.Done()

	var rows []map[string]interface{}
	var elem starlark.Value
	for iter.Next(&elem) {
		d, ok := elem.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%w, found a %s element", ErrBadTransform, elem.Type())
		}
		row, err := mapFromStarlark(d)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

func mapFromStarlark(d *starlark.Dict) (map[string]interface{}, error) {
	row := make(map[string]interface{}, d.Len())
	for _, item := range d.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("row keys must be strings, got %s", item[0].Type())
		}
		v, err := fromStarlark(item[1])
		if err != nil {
			return nil, err
		}
		row[string(key)] = v
	}
	return row, nil
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.Int:
		// Numeric cells stay float64 so sorting and comparisons behave,
		// matching how the CSV loader types numbers.
		return float64(x.Float()), nil
	case *starlark.List:
		out := make([]interface{}, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]interface{}, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case *starlark.Dict:
		m, err := mapFromStarlark(x)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

func diffMeta(before, after []map[string]interface{}) session.TransformMeta {
	meta := session.TransformMeta{RowsBefore: len(before), RowsAfter: len(after)}
	if len(after) < len(before) {
		meta.Removed = len(before) - len(after)
	}
	if len(after) > len(before) {
		meta.Added = len(after) - len(before)
	}
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		if !reflect.DeepEqual(before[i], after[i]) {
			meta.Modified++
		}
	}
	return meta
}
