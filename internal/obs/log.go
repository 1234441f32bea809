package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// service tags every log line so aggregated streams can be filtered back to
// this process.
const service = "ledgercore"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line-oriented logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields plus
// the service tag.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = service
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + service + `","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
