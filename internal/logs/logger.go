package logs

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TimestampLayout is the timestamp format written at the start of each line.
const TimestampLayout = "2006-01-02 15:04:05"

// NewConsoleWriter returns a zerolog writer rendering
// "[timestamp] [LEVEL] message key=value ..." without colour.
func NewConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:     out,
		NoColor: true,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FormatTimestamp: formatTimestamp,
		FormatLevel:     formatLevel,
	}
}

func formatTimestamp(i interface{}) string {
	s := fmt.Sprint(i)
	if t, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
		s = t.Local().Format(TimestampLayout)
	}
	return "[" + s + "]"
}

func formatLevel(i interface{}) string {
	s, _ := i.(string)
	if s == "" {
		s = "-"
	}
	return "[" + strings.ToUpper(s) + "]"
}

// New builds the daemon logger writing to every given output in the line
// format above.
func New(level zerolog.Level, outputs ...io.Writer) zerolog.Logger {
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writers = append(writers, NewConsoleWriter(out))
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
