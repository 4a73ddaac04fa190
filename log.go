package coap

import (
	"github.com/astaxie/beego/logs"
)

var traceEnable bool

// GLog is the package-level logger, defaulting to a console logger at
// debug level (7), the level beego's Trace calls log at. Override it with
// SetLogger to route trace output wherever the host application logs.
var GLog *logs.BeeLogger

func init() {
	traceEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug toggles trace logging under this package's gate (trace, Trace,
// TraceEnabled). Of the core packages only the block-wise coordinator
// emits trace output; the codec and the observation subject do not log.
// Off by default.
func Debug(enable bool) {
	traceEnable = enable
}

// SetLogger replaces the package-level logger.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}

func trace(format string, args ...interface{}) {
	if !traceEnable {
		return
	}
	GLog.Trace(format, args...)
}

// Trace exposes the package's trace helper to sibling packages
// (coap/blockwise, coap/observe) that want to log under the same gate and
// logger without importing beego/logs themselves.
func Trace(format string, args ...interface{}) {
	trace(format, args...)
}

// TraceEnabled reports whether trace logging is currently on, so callers
// in other packages can skip building an expensive log message.
func TraceEnabled() bool {
	return traceEnable
}
