package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// Level is the severity written to the "level" key of a log line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide logger. Every line it receives is a single
// JSON object; tests swap its output to capture entries.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Log writes one JSON line with ts, level and msg plus fields. Error values
// are flattened to their message so they survive marshalling.
func Log(level Level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = string(level)
	entry["msg"] = msg
	writeJSON(entry)
}

func Info(msg string, fields map[string]any)  { Log(LevelInfo, msg, fields) }
func Warn(msg string, fields map[string]any)  { Log(LevelWarn, msg, fields) }
func Error(msg string, fields map[string]any) { Log(LevelError, msg, fields) }

// WriteEntry emits a pre-built entry as-is. Audit records use it to keep
// their own shape.
func WriteEntry(entry map[string]any) { writeJSON(entry) }

func writeJSON(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Printf(`{"level":"error","msg":"log marshal failed","cause":%q}`, err.Error())
		return
	}
	Logger().Println(string(data))
}
