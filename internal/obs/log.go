package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger. Every line it carries is a JSON
// object; the formatting helpers below stamp ts and level.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// formatLine builds one structured log line, stamping ts and level unless the
// caller set them already.
func formatLine(level string, entry map[string]any) []byte {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	entry["level"] = level
	data, err := json.Marshal(entry)
	if err != nil {
		return []byte(`{"level":"error","msg":"log marshal failed"}`)
	}
	return data
}

// LogRequest emits an info line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().Println(string(formatLine("info", entry)))
}

// LogError emits an error line with a message and optional context fields.
func LogError(msg string, fields map[string]any) {
	entry := map[string]any{"msg": msg}
	for k, v := range fields {
		entry[k] = v
	}
	Logger().Println(string(formatLine("error", entry)))
}
