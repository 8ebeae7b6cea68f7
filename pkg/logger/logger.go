package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init builds the process-wide logger. Safe to call more than once;
// only the first call takes effect.
func Init() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.MessageKey = "event"
		built, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			built = zap.NewNop()
		}
		log = built
	})
}

func Info(event string, fields map[string]interface{}) {
	Init()
	log.Info(event, zapFields(fields)...)
}

func InfoWithUser(userID, event string, fields map[string]interface{}) {
	Init()
	log.Info(event, append(zapFields(fields), zap.String("user_id", userID))...)
}

func Warn(event string, fields map[string]interface{}) {
	Init()
	log.Warn(event, zapFields(fields)...)
}

func Error(event string, err error, fields map[string]interface{}) {
	Init()
	log.Error(event, append(zapFields(fields), zap.Error(err))...)
}

func zapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
