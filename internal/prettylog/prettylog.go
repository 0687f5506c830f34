// MIT License
//
// # Copyright (c) 2017 Olivier Poitrey
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Based on https://github.com/rs/zerolog/blob/master/console.go.

// Package prettylog turns slog JSON records into aligned, colorized console
// lines.
package prettylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold     = 1
	colorDarkGray = 90
)

const (
	seqKey     = "seq"
	syscallKey = "syscall"
	errorKey   = "err"
	errnoKey   = "errno"
)

// leading fields, printed in this order without their names
var leading = []string{
	seqKey,
	slog.TimeKey,
	slog.LevelKey,
	syscallKey,
	slog.SourceKey,
	slog.MessageKey,
}

// A Writer reformats each JSON record written to it as one console line.
// Records that are not JSON pass through unchanged.
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	formatter formatter
}

// NewWriter returns a Writer to out. Color is on when out is a terminal,
// unless NO_COLOR is set or TERM is dumb; FORCE_COLOR turns it on regardless.
func NewWriter(out io.Writer) *Writer {
	terminal := false
	if f, ok := out.(interface{ Fd() uintptr }); ok {
		terminal = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	noColor := os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" || !terminal
	noColor = noColor && os.Getenv("FORCE_COLOR") == ""

	return &Writer{
		out:       out,
		formatter: formatter{noColor: noColor},
	}
}

// SetColor turns color output on or off.
func (w *Writer) SetColor(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.formatter.noColor = !on
}

var writePool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := writePool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		writePool.Put(buf)
	}()

	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		if _, err := w.out.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	for _, key := range leading {
		w.writePart(buf, evt, key)
	}
	w.writeFields(buf, evt)
	buf.WriteByte('\n')

	// continuation lines of multi-line values are indented
	lines := bytes.SplitAfter(buf.Bytes(), []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		if i > 0 {
			if _, err := io.WriteString(w.out, "    "); err != nil {
				return 0, err
			}
		}
		if _, err := w.out.Write(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func jsonMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// needsQuote returns true when the string s should be quoted in output.
func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return s == ""
}

// writeFields appends the remaining key=value pairs, sorted, with err and
// errno first.
func (w *Writer) writeFields(buf *bytes.Buffer, evt map[string]any) {
	fields := make([]string, 0, len(evt))
	for field := range evt {
		if slices.Contains(leading, field) {
			continue
		}
		fields = append(fields, field)
	}
	slices.SortFunc(fields, func(a, b string) int {
		return strings.Compare(fieldRank(a)+a, fieldRank(b)+b)
	})

	for _, field := range fields {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(w.formatter.fieldName(field))

		switch value := evt[field].(type) {
		case string:
			if needsQuote(value) {
				value = strconv.Quote(value)
			}
			buf.WriteString(w.formatter.fieldValue(field, value))
		case json.Number:
			buf.WriteString(w.formatter.fieldValue(field, value.String()))
		default:
			b, err := jsonMarshal(value)
			if err != nil {
				fmt.Fprintf(buf, w.formatter.colorize("[error: %v]", colorRed), err)
			} else {
				buf.WriteString(w.formatter.fieldValue(field, string(b)))
			}
		}
	}
}

func fieldRank(field string) string {
	switch field {
	case errorKey:
		return "0"
	case errnoKey:
		return "1"
	default:
		return "2"
	}
}

var pad = strings.Repeat(" ", 16)

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return pad[:n-len(s)] + s
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + pad[:n-len(s)]
}

func (w *Writer) writePart(buf *bytes.Buffer, evt map[string]any, key string) {
	value, ok := evt[key]
	if !ok {
		return
	}

	var s string
	switch key {
	case seqKey:
		s = padLeft(fmt.Sprint(value), 5)
	case slog.TimeKey:
		s = w.formatter.timestamp(value)
	case slog.LevelKey:
		s = w.formatter.level(value)
	case syscallKey:
		s = w.formatter.colorize(padRight(fmt.Sprint(value), 8), colorBlue)
	case slog.SourceKey:
		s = w.formatter.caller(value)
	case slog.MessageKey:
		s = w.formatter.message(evt[slog.LevelKey], value)
	}

	if len(s) > 0 {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(s)
	}
}

type formatter struct {
	noColor bool
}

// colorize returns s wrapped in the ANSI codes c, unless color is off.
func (f *formatter) colorize(s string, c ...int) string {
	if f.noColor {
		return s
	}
	for _, c := range c {
		if c != 0 {
			s = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
		}
	}
	return s
}

const timeFormat = "15:04:05.000"

func (f *formatter) timestamp(i any) string {
	s := fmt.Sprint(i)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		s = ts.UTC().Format(timeFormat)
	}
	return f.colorize(s, colorDarkGray)
}

var levelColors = map[slog.Level]int{
	slog.LevelDebug: colorMagenta,
	slog.LevelInfo:  colorGreen,
	slog.LevelWarn:  colorYellow,
	slog.LevelError: colorRed,
}

var formattedLevels = map[slog.Level]string{
	slog.LevelDebug: "DBG",
	slog.LevelInfo:  "INF",
	slog.LevelWarn:  "WRN",
	slog.LevelError: "ERR",
}

func parseLevel(i any) (slog.Level, bool) {
	s, ok := i.(string)
	if !ok {
		return 0, false
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, false
	}
	return level, true
}

func (f *formatter) level(i any) string {
	if level, ok := parseLevel(i); ok {
		if fl, ok := formattedLevels[level]; ok {
			return f.colorize(fl, levelColors[level])
		}
	}
	s := strings.ToUpper(fmt.Sprint(i))
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

func (f *formatter) caller(i any) string {
	m, ok := i.(map[string]any)
	if !ok {
		return ""
	}
	file, _ := m["file"].(string)
	if file == "" {
		return ""
	}
	line, _ := m["line"].(json.Number)

	c := fmt.Sprintf("%s/%s:%s", path.Base(path.Dir(file)), path.Base(file), line)
	return f.colorize(c, colorDarkGray) + f.colorize(" >", colorCyan)
}

func (f *formatter) message(level any, i any) string {
	s := fmt.Sprint(i)
	if s == "" {
		return ""
	}
	if l, ok := parseLevel(level); ok && l >= slog.LevelInfo {
		return f.colorize(s, colorBold)
	}
	return s
}

func (f *formatter) fieldName(name string) string {
	return f.colorize(name+"=", colorCyan)
}

func (f *formatter) fieldValue(field string, s string) string {
	if field == errorKey || field == errnoKey {
		return f.colorize(s, colorBold, colorRed)
	}
	return s
}
