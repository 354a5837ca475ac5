package planweave

import (
	"encoding/json"
	"log"
	"time"
)

// StdLogger implements Logger using the standard log package with JSON output.
type StdLogger struct{}

func (l *StdLogger) log(level, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{}, 3)
	}
	fields["level"] = level
	fields["msg"] = msg
	fields["ts"] = time.Now().Format(time.RFC3339)
	b, _ := json.Marshal(fields)
	log.Println(string(b))
}

func (l *StdLogger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *StdLogger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]interface{}) { l.log("error", msg, fields) }

// NopLogger discards all log output. Used as the default when no logger is
// injected and in tests.
type NopLogger struct{}

func (NopLogger) Info(string, map[string]interface{})  {}
func (NopLogger) Warn(string, map[string]interface{})  {}
func (NopLogger) Error(string, map[string]interface{}) {}
