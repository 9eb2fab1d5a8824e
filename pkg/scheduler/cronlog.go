package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// cronLogger adapta o observability logger para o cron logger.
type cronLogger struct {
	obs observability.Observability
}

func newCronLogger(obs observability.Observability) cron.Logger {
	return &cronLogger{obs: obs}
}

// Info implementa cron.Logger.
func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.obs.Logger().Debug(context.Background(), msg, l.convertKeysAndValues(keysAndValues...)...)
}

// Error implementa cron.Logger.
func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := l.convertKeysAndValues(keysAndValues...)
	fields = append(fields, observability.Error(err))
	l.obs.Logger().Error(context.Background(), msg, fields...)
}

// convertKeysAndValues converte pares chave-valor para observability.Field.
func (l *cronLogger) convertKeysAndValues(keysAndValues ...interface{}) []observability.Field {
	fields := make([]observability.Field, 0, len(keysAndValues)/2+1)
	fields = append(fields, observability.String("component", "scheduler"))

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, l.convertValue(key, keysAndValues[i+1]))
	}
	return fields
}

func (l *cronLogger) convertValue(key string, value interface{}) observability.Field {
	switch v := value.(type) {
	case string:
		return observability.String(key, v)
	case int:
		return observability.Int(key, v)
	case int64:
		return observability.Int64(key, v)
	case bool:
		return observability.Bool(key, v)
	case error:
		return observability.String(key, v.Error())
	default:
		return observability.String(key, fmt.Sprintf("%v", v))
	}
}
