package cron

import (
	"context"
	"fmt"

	"github.com/pixell/agent-billing/pkg/logger"
)

// schedulerLogger adapts logger.Logger to the robfig/cron Logger interface.
type schedulerLogger struct {
	logg *logger.Logger
}

func (l schedulerLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logg.Debug(l.withPairs(keysAndValues), "scheduler: "+msg)
}

func (l schedulerLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logg.Error(l.withPairs(keysAndValues), "scheduler: "+msg, err)
}

func (l schedulerLogger) withPairs(keysAndValues []interface{}) context.Context {
	ctx := context.Background()
	if len(keysAndValues) == 0 {
		return ctx
	}
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logg.WithFields(ctx, fields)
}
