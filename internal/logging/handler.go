package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var lineBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// PrettyHandlerOptions configures a PrettyHandler's rendering. The zero
// value is not ready to use; call DefaultOptions and override fields from
// there.
type PrettyHandlerOptions struct {
	SlogOpts          slog.HandlerOptions
	UseColor          bool
	ShowSource        bool
	FullSource        bool
	CompactJSON       bool
	TimeFormat        string
	LevelWidth        int
	DisableTimestamp  bool
	FieldSeparator    string
	MaxFieldLength    int
	SortKeys          bool
	DisableHTMLEscape bool
}

// DefaultOptions returns sane defaults for an interactive terminal: info
// level, colored output, and source locations shown.
func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
		UseColor:          true,
		ShowSource:        true,
		TimeFormat:        time.RFC3339,
		LevelWidth:        7,
		FieldSeparator:    " | ",
		DisableHTMLEscape: true,
	}
}

// palette holds the color functions used to render one log line. With
// UseColor disabled every entry is a passthrough so Handle never needs to
// branch on color at the call site.
type palette struct {
	time    func(...any) string
	message func(...any) string
	source  func(...any) string
	fields  func(...any) string
	errTone func(...any) string
	level   map[slog.Level]func(...any) string
}

func plainPalette() palette {
	plain := func(a ...any) string { return fmt.Sprint(a...) }
	return palette{
		time:    plain,
		message: plain,
		source:  plain,
		fields:  plain,
		errTone: plain,
		level: map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		},
	}
}

func colorPalette() palette {
	return palette{
		time:    color.New(color.FgHiBlack).SprintFunc(),
		message: color.New(color.FgCyan).SprintFunc(),
		source:  color.New(color.FgHiBlack).SprintFunc(),
		fields:  color.New(color.FgWhite).SprintFunc(),
		errTone: color.New(color.FgRed, color.Bold).SprintFunc(),
		level: map[slog.Level]func(...any) string{
			slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
			slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
			slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
			slog.LevelError: color.New(color.FgRed).SprintFunc(),
		},
	}
}

// PrettyHandler is a slog.Handler that renders each record as a single
// human-readable line: timestamp, level, optional source, message, then
// any attributes as a trailing JSON blob. Unlike slog's built-in TextHandler
// it keeps attribute nesting (WithGroup) as nested JSON objects instead of
// dotted keys.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr
	colors palette
}

// NewPrettyHandler builds a PrettyHandler writing to w. A nil opts falls
// back to DefaultOptions.
func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	resolved := DefaultOptions()
	if opts != nil {
		resolved = *opts
	}
	normalizeOptions(&resolved)

	h := &PrettyHandler{
		opts:   resolved,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.colors = h.buildPalette()
	return h
}

func normalizeOptions(opts *PrettyHandlerOptions) {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}
}

func (h *PrettyHandler) buildPalette() palette {
	if !h.opts.UseColor {
		return plainPalette()
	}
	return colorPalette()
}

// Enabled reports whether level meets the configured minimum.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

// Handle renders one record as a line and writes it to the underlying
// writer. Safe for concurrent use; callers of the same handler serialize on
// a shared mutex so interleaved goroutines never tear a line in half.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := lineBufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		lineBufPool.Put(buf)
	}()

	var segments []string
	if !h.opts.DisableTimestamp {
		segments = append(segments, h.colors.time(r.Time.Format(h.opts.TimeFormat)))
	}
	segments = append(segments, h.renderLevel(r.Level))
	if h.opts.ShowSource {
		if src := h.sourceLocation(r.PC); src != "" {
			segments = append(segments, h.colors.source(src))
		}
	}
	segments = append(segments, h.colors.message(r.Message))

	buf.WriteString(strings.Join(segments, h.opts.FieldSeparator))

	tree := h.attrTree(r)
	if len(tree) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		if err := h.writeAttrJSON(buf, tree); err != nil {
			fmt.Fprintf(buf, "(error formatting attributes: %v)", err)
		}
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

// WithAttrs returns a handler that includes attrs on every subsequent
// record, in addition to whatever this handler already carries.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive(func(child *PrettyHandler) {
		child.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	})
}

// WithGroup returns a handler that nests subsequent attributes under name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(func(child *PrettyHandler) {
		child.groups = append(append([]string(nil), h.groups...), name)
	})
}

func (h *PrettyHandler) derive(mutate func(*PrettyHandler)) *PrettyHandler {
	h.mu.Lock()
	defer h.mu.Unlock()

	child := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		colors: h.colors,
	}
	mutate(child)
	return child
}

func (h *PrettyHandler) renderLevel(level slog.Level) string {
	text := strings.ToUpper(level.String())
	if h.opts.LevelWidth > 0 {
		text = fmt.Sprintf("%-*s", h.opts.LevelWidth, text)
	}

	if tone, ok := h.colors.level[level]; ok {
		return tone(text)
	}
	if level > slog.LevelError {
		return h.colors.errTone(text)
	}
	return text
}

func (h *PrettyHandler) sourceLocation(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullSource {
		file = filepath.Base(file)
	}
	loc := fmt.Sprintf("%s:%d", file, frame.Line)

	if h.opts.SlogOpts.AddSource {
		fn := frame.Function
		if idx := strings.LastIndex(fn, "."); idx >= 0 {
			fn = fn[idx+1:]
		}
		loc = fmt.Sprintf("%s:%s", loc, fn)
	}
	return loc
}

// attrTree assembles this handler's stored attrs plus the record's own
// attrs into a nested map mirroring any active WithGroup nesting, then
// drops groups that ended up empty.
func (h *PrettyHandler) attrTree(r slog.Record) map[string]any {
	root := make(map[string]any)

	leaf := root
	for _, group := range h.groups {
		nested := make(map[string]any)
		leaf[group] = nested
		leaf = nested
	}

	for _, a := range h.attrs {
		h.insertAttr(leaf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.insertAttr(leaf, a)
		return true
	})

	pruneEmptyGroups(root)
	return root
}

func (h *PrettyHandler) insertAttr(into map[string]any, attr slog.Attr) {
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		nested := make(map[string]any)
		for _, ga := range value.Group() {
			h.insertAttr(nested, ga)
		}
		if len(nested) > 0 {
			into[attr.Key] = nested
		}
		return
	}

	into[attr.Key] = h.scalarValue(value)
}

func (h *PrettyHandler) scalarValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindTime:
		return value.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindAny:
		v := value.Any()
		if h.opts.MaxFieldLength > 0 {
			if s, ok := v.(string); ok && len(s) > h.opts.MaxFieldLength {
				return s[:h.opts.MaxFieldLength] + "..."
			}
		}
		return v
	default:
		return value.Any()
	}
}

func pruneEmptyGroups(attrs map[string]any) {
	for key, value := range attrs {
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		pruneEmptyGroups(nested)
		if len(nested) == 0 {
			delete(attrs, key)
		}
	}
}

func (h *PrettyHandler) writeAttrJSON(buf *bytes.Buffer, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}

	var jsonBuf bytes.Buffer
	enc := json.NewEncoder(&jsonBuf)
	enc.SetEscapeHTML(!h.opts.DisableHTMLEscape)
	if h.opts.CompactJSON {
		enc.SetIndent("", "")
	} else {
		enc.SetIndent("", "  ")
	}

	if err := enc.Encode(attrs); err != nil {
		return err
	}

	rendered := bytes.TrimRight(jsonBuf.Bytes(), "\n")
	buf.WriteString(h.colors.fields(string(rendered)))
	return nil
}
