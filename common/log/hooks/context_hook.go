// Package hooks carries logrus hooks shared by every binary.
package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// Annotates every log entry with the file:line of the call site, found
// by walking past this hook's own frames and logrus internals.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	stack := debug.Stack()
	lines := strings.Split(string(stack), "\n")
	foundLoggerBlock := false
	incr := 1
	for i := 0; i < len(lines); i = i + incr {
		if strings.Contains(lines[i], "context_hook.go:") {
			foundLoggerBlock = true
			incr = 2
			continue
		}
		if !foundLoggerBlock || strings.Contains(lines[i], "sirupsen/logrus") {
			continue
		}
		if !strings.Contains(lines[i], "orchestrator/") {
			continue
		}
		ctx := strings.Split(lines[i], "orchestrator/")
		entry.Data["file:line"] = strings.TrimSpace(ctx[len(ctx)-1])
		break
	}
	return nil
}
