package shim

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/protocol"
)

// Console writes user output to the host as log messages.
type Console struct {
	s *session
}

func (c *Console) emit(level string, args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = s
			continue
		}
		parts[i] = Inspect(a)
	}
	c.s.post(protocol.Log{Level: level, Message: strings.Join(parts, " ")})
}

func (c *Console) Log(args ...any)   { c.emit(core.LevelLog, args) }
func (c *Console) Info(args ...any)  { c.emit(core.LevelInfo, args) }
func (c *Console) Warn(args ...any)  { c.emit(core.LevelWarn, args) }
func (c *Console) Error(args ...any) { c.emit(core.LevelError, args) }
func (c *Console) Debug(args ...any) { c.emit(core.LevelDebug, args) }

// Logf formats like fmt.Sprintf and logs at level.
func (c *Console) Logf(level, format string, args ...any) {
	c.s.post(protocol.Log{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Inspect renders v for diagnostics: strings quoted, errors by message,
// maps, slices and structs as JSON when they encode, anything else with %+v.
func Inspect(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case []byte:
		return fmt.Sprintf("Uint8Array(%d) %v", len(v), []byte(v))
	}
	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%+v", v)
}
