// Package filter decides, through a user-supplied JavaScript predicate,
// which change events count toward a run.
//
// The script either evaluates to a function or declares one named match:
//
//	(function(event) { return event.new && event.new.name.startsWith("Test entry"); })
//
//	function match(event) { return event.eventType !== "UPDATE"; }
//
// The event object has the same shape as a realtime payload: eventType,
// schema, table, commit_timestamp, new and old.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/models"
)

// ErrNoFunction is returned for scripts that define no usable predicate
var ErrNoFunction = errors.New("script must evaluate to a function or declare a function named 'match'")

// Filter runs the predicate in a single goja runtime. goja.Runtime is not
// safe for concurrent use, so calls are serialised.
type Filter struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	match  goja.Callable
	logger *logrus.Logger
}

// Load reads and compiles the script at path
func Load(path string, logger *logrus.Logger) (*Filter, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JavaScript filter file: %w", err)
	}
	f, err := New(string(script), logger)
	if err != nil {
		return nil, fmt.Errorf("invalid JavaScript filter %s: %w", path, err)
	}
	logger.Infof("Loaded JavaScript filter: %s", path)
	return f, nil
}

// New compiles script and resolves its predicate
func New(script string, logger *logrus.Logger) (*Filter, error) {
	vm := goja.New()
	f := &Filter{vm: vm, logger: logger}

	if err := f.setupConsoleBindings(); err != nil {
		return nil, err
	}

	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			f.match = fn
			return f, nil
		}
	}

	named := vm.Get("match")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			f.match = fn
			return f, nil
		}
	}

	return nil, ErrNoFunction
}

// Match reports whether event should be counted. null, undefined and other
// falsy results reject the event.
func (f *Filter) Match(event models.ChangeEvent) (bool, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.vm.Set("eventJSON", string(eventJSON)); err != nil {
		return false, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := f.vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return false, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := f.match(goja.Undefined(), eventObj)
	if err != nil {
		return false, fmt.Errorf("JavaScript filter function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return false, nil
	}
	return result.ToBoolean(), nil
}

// setupConsoleBindings routes console.* calls from the script to the logger
func (f *Filter) setupConsoleBindings() error {
	consoleObj := f.vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   f.logger.Info,
		"info":  f.logger.Info,
		"warn":  f.logger.Warn,
		"error": f.logger.Error,
		"debug": f.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		err := consoleObj.Set(name, func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		})
		if err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := f.vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
