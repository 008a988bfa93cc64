package tablesync

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// guard runs one delivery to a subscriber. A panic in the subscriber is
// logged and returned as an error so the remaining subscribers still run.
func guard(subscriber string, deliver func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s subscriber panicked: %v", subscriber, r)
			glog.Warningf("[%s]%s\n", subscriber, err)
			if glog.V(1) {
				glog.Infof("[%s]%s\n", subscriber, panicFrames(debug.Stack()))
			}
		}
	}()
	deliver()
	return nil
}

// the stack with the runtime and guard frames trimmed, one frame per line
func panicFrames(stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	frames := []string{}
	// line 0 is the goroutine header, then function and file lines alternate
	for i := 1; i+1 < len(lines); i += 2 {
		function := strings.TrimSpace(lines[i])
		if strings.HasPrefix(function, "runtime") || strings.Contains(function, "tablesync.guard") {
			continue
		}
		file := strings.TrimSpace(lines[i+1])
		if j := strings.LastIndex(file, " +0x"); 0 <= j {
			file = file[:j]
		}
		frames = append(frames, fmt.Sprintf("%s %s", function, file))
	}
	return strings.Join(frames, "\n")
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, do func() string) {
	if !glog.V(2) {
		do()
		return
	}
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	doTag := do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms) (%d)%s\n", "end", tag, millis, end.UnixMilli(), doTag)
}
