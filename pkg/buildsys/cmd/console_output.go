package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ConsoleWriter renders zerolog's JSON events as one coloured line each.
type ConsoleWriter struct {
	Out io.Writer
	// Debug appends every field of each event.
	Debug   bool
	NoColor bool
	buffer  strings.Builder
	lock    sync.Mutex
}

func NewConsoleWriter() *ConsoleWriter {
	return &ConsoleWriter{
		Out:   os.Stderr,
		Debug: os.Getenv("BUILDSYS_DEBUG") != "",
	}
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.buffer.Reset()
	switch evt["level"] {
	case "fatal", "error":
		w.buffer.WriteString("[red]")
	case "warn":
		w.buffer.WriteString("[yellow]")
	case "debug", "trace":
		w.buffer.WriteString("[blue]")
	default:
		w.buffer.WriteString("[green]")
	}

	if task, ok := evt["task"]; ok {
		w.buffer.WriteString(fmt.Sprint(task) + ": ")
	}

	if evt["level"] == "error" || evt["level"] == "fatal" {
		w.buffer.WriteString("Error: ")
	}

	if evt["command"] == true {
		w.buffer.WriteString("$ ")
	}

	msg, _ := evt["message"].(string)

	if path, ok := evt["path"].(string); ok {
		// simplify the path
		relPath, err := filepath.Rel(".", path)
		if err == nil {
			msg = strings.ReplaceAll(msg, path, relPath)
		}
	}

	w.buffer.WriteString(msg)
	if errorDetails, ok := evt["error"]; ok {
		w.buffer.WriteString("\n")
		w.buffer.WriteString(fmt.Sprint(errorDetails))
	}

	if w.Debug {
		w.buffer.WriteString("\n")

		names := make([]string, 0, len(evt))
		for name := range evt {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			w.buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, evt[name]))
		}
	}

	w.buffer.WriteString("[reset]\n")
	colorize := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: w.NoColor,
		Reset:   true,
	}
	_, err = io.WriteString(w.Out, colorize.Color(w.buffer.String()))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewLogger creates the CLI logger. JSON output writes raw events to out.
func NewLogger(out io.Writer, level zerolog.Level, jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToJSON(err, true)
		}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}

	writer := NewConsoleWriter()
	writer.Out = out
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, writer.Debug)
	}
	return zerolog.New(writer).Level(level)
}
