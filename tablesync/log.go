package tablesync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `tablesync` package:
// Info:
//     abnormal but handled events. Silent on normal operation.
//     this includes:
//     - surfaced remote failures
//     - stale refresh responses that were discarded
//     - compensating deletes
// Warning:
//     recovered panics from subscribers
// V(1):
//     key sync events with table names and ids that can be used to filter
//     - refresh generations, commit summaries, busy transitions
// V(2):
//     per call traces

const LogLevelInfo glog.Level = 0
const LogLevelSync glog.Level = 1
const LogLevelTrace glog.Level = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
