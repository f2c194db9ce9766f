package comm

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for this package and the sibling xfer/transport/auth packages:
// Info:
//     essential events for abnormal behavior. Silent on normal operation except
//     for infrequent initialization data useful for monitoring: backpressure,
//     connectivity timeouts, abnormal exits.
// Error:
//     unrecoverable crash details, including panics that were recovered and
//     suppressed for partial operation.
// Debug:
//     key events for trace debugging: matches, timeouts, sends, acks. Frequent
//     events should be summarized rather than logged per occurrence.

const (
	LogLevelUrgent = 0
	LogLevelInfo   = 50
	LogLevelDebug  = 100
)

// GlobalLogLevel gates LogFn/SubLogFn output. glog's own -v flag still governs
// the V(n) calls made directly against glog by lower layers.
var GlobalLogLevel = LogLevelInfo

type LogFunction func(format string, a ...any)

// LogFn returns a tagged logger that is silent unless level <= GlobalLogLevel.
func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s: %s", tag, m)
		}
	}
}

// SubLogFn nests a tag under an existing LogFunction.
func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}

func LogError(format string, a ...any) {
	glog.Errorf(format, a...)
}
