package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skippedFrames are never reported as the caller of a log line.
var skippedFrames = []string{"sirupsen/logrus", "bfxflow/logger.(*Entry)", "bfxflow/logger.(*Log)"}

// callerHook points the reported caller at the first frame outside logrus and
// the Entry wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !internalFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	for _, p := range skippedFrames {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}
