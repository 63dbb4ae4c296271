package hooks

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// repoMarker is cut from reported file paths.
const repoMarker = "netschedule/"

type contextHook struct {
	levels []logrus.Level
}

// NewContextHook annotates entries with the file:line of the logging call.
func NewContextHook(levels ...logrus.Level) logrus.Hook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return contextHook{levels: levels}
}

func (hook contextHook) Levels() []logrus.Level {
	return hook.levels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") && !strings.HasSuffix(frame.File, "context_hook.go") {
			file := frame.File
			if i := strings.LastIndex(file, repoMarker); i >= 0 {
				file = file[i+len(repoMarker):]
			}
			entry.Data["file:line"] = file + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
