package logx

import (
	"fmt"

	"github.com/rs/zerolog"
)

// CronLogger adapts a Logger to robfig/cron's Logger interface.
// cron's Info chatter (wake/run/schedule) is demoted to trace.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, append(kv(keysAndValues), Err(err))...)
}

func kv(keysAndValues []interface{}) []Field {
	out := make([]Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		k := fmt.Sprint(keysAndValues[i])
		v := keysAndValues[i+1]
		out = append(out, func(e *zerolog.Event) { e.Interface(k, v) })
	}
	return out
}
