// Package core provides the production logger implementation.
//
// ProductionLogger emits structured JSON (or logfmt-style text) log lines
// with level filtering, service and component fields, and trace correlation.
// The *WithContext variants extract the active OpenTelemetry span from the
// context and attach trace_id/span_id so log lines can be joined with traces.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) logLevel {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l logLevel) String() string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ProductionLogger is the standard Logger implementation.
// It is safe for concurrent use. Child loggers created via WithComponent
// share the parent's output and configuration.
type ProductionLogger struct {
	mu          *sync.Mutex
	out         io.Writer
	level       logLevel
	format      string // "json" or "text"
	serviceName string
	component   string
}

// NewProductionLogger creates a logger from configuration.
// Output "stdout"/"stderr" selects the stream; empty defaults to stdout.
func NewProductionLogger(config LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var out io.Writer = os.Stdout
	if config.Output == "stderr" {
		out = os.Stderr
	}

	format := config.Format
	if format == "" {
		format = "json"
	}
	if dev.PrettyLogs {
		format = "text"
	}

	return &ProductionLogger{
		mu:          &sync.Mutex{},
		out:         out,
		level:       parseLevel(config.Level),
		format:      format,
		serviceName: serviceName,
	}
}

// WithComponent returns a child logger that tags every line with the
// component name. Implements ComponentAwareLogger.
func (l *ProductionLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, msg, fields, "", "")
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, msg, fields, "", "")
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, msg, fields, "", "")
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, msg, fields, "", "")
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	traceID, spanID := traceIDs(ctx)
	l.log(levelInfo, msg, fields, traceID, spanID)
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	traceID, spanID := traceIDs(ctx)
	l.log(levelError, msg, fields, traceID, spanID)
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	traceID, spanID := traceIDs(ctx)
	l.log(levelWarn, msg, fields, traceID, spanID)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	traceID, spanID := traceIDs(ctx)
	l.log(levelDebug, msg, fields, traceID, spanID)
}

func (l *ProductionLogger) log(level logLevel, msg string, fields map[string]interface{}, traceID, spanID string) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+6)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = msg
	if l.serviceName != "" {
		entry["service"] = l.serviceName
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	if traceID != "" {
		entry["trace_id"] = traceID
		entry["span_id"] = spanID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "text" {
		fmt.Fprintln(l.out, formatText(entry))
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fields contained a non-serializable value; degrade to message only
		fmt.Fprintf(l.out, `{"level":%q,"message":%q}`+"\n", level.String(), msg)
		return
	}
	l.out.Write(append(data, '\n'))
}

func formatText(entry map[string]interface{}) string {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "timestamp" || k == "level" || k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%v %v %v", entry["timestamp"], entry["level"], entry["message"])
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}

func traceIDs(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
