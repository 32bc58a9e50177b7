package cache

import (
	"encoding/json"
	"fmt"

	"github.com/apex/log"
)

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug logs a debug message (no-op).
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info logs an info message (no-op).
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn logs a warning message (no-op).
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error logs an error message (no-op).
func (n *NoOpLogger) Error(msg string, args ...any) {}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

type ConsoleLogger struct {
	prefix string
}

func (cl *ConsoleLogger) print(level, msg string, args []any) {
	fmt.Printf("[%s] %s: %s", level, cl.prefix, msg)
	if len(args) > 0 {
		fmt.Printf(" %v", args)
	}
	fmt.Println()
}

// Debug logs a debug message to console.
func (cl *ConsoleLogger) Debug(msg string, args ...any) { cl.print("DEBUG", msg, args) }

// Info logs an info message to console.
func (cl *ConsoleLogger) Info(msg string, args ...any) { cl.print("INFO", msg, args) }

// Warn logs a warning message to console.
func (cl *ConsoleLogger) Warn(msg string, args ...any) { cl.print("WARN", msg, args) }

// Error logs an error message to console.
func (cl *ConsoleLogger) Error(msg string, args ...any) { cl.print("ERROR", msg, args) }

// NewConsoleLogger creates a new console logger.
func NewConsoleLogger(prefix string) Logger {
	return &ConsoleLogger{prefix: prefix}
}

// ApexLogger sends log lines to an apex/log Interface. Key/value args
// become entry fields.
type ApexLogger struct {
	log log.Interface
}

// NewApexLogger wraps l. A nil l uses the apex package logger.
func NewApexLogger(l log.Interface) Logger {
	if l == nil {
		l = log.Log
	}
	return &ApexLogger{log: l}
}

func (al *ApexLogger) entry(args []any) *log.Entry {
	return al.log.WithFields(fieldsOf(args))
}

// Debug logs a debug message.
func (al *ApexLogger) Debug(msg string, args ...any) { al.entry(args).Debug(msg) }

// Info logs an info message.
func (al *ApexLogger) Info(msg string, args ...any) { al.entry(args).Info(msg) }

// Warn logs a warning message.
func (al *ApexLogger) Warn(msg string, args ...any) { al.entry(args).Warn(msg) }

// Error logs an error message.
func (al *ApexLogger) Error(msg string, args ...any) { al.entry(args).Error(msg) }

func fieldsOf(args []any) log.Fields {
	fields := make(log.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["extra"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}

// JSONMarshaller is a marshaller that uses the standard JSON library.
type JSONMarshaller struct{}

// Marshal serializes a value to JSON.
func (jm *JSONMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (jm *JSONMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewJSONMarshaller creates a new JSON marshaller.
func NewJSONMarshaller() Marshaller {
	return &JSONMarshaller{}
}
