package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(e *zerolog.Event) *zerolog.Event   { return e.Str(f.Key, f.Value) }
func (f IntField) apply(e *zerolog.Event) *zerolog.Event      { return e.Int(f.Key, f.Value) }
func (f BoolField) apply(e *zerolog.Event) *zerolog.Event     { return e.Bool(f.Key, f.Value) }
func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f TimeField) apply(e *zerolog.Event) *zerolog.Event     { return e.Time(f.Key, f.Value) }
func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event    { return e.Err(f.Value) }
func (f AnyField) apply(e *zerolog.Event) *zerolog.Event      { return e.Interface(f.Key, f.Value) }

func (f StringField) applyContext(c zerolog.Context) zerolog.Context   { return c.Str(f.Key, f.Value) }
func (f IntField) applyContext(c zerolog.Context) zerolog.Context      { return c.Int(f.Key, f.Value) }
func (f BoolField) applyContext(c zerolog.Context) zerolog.Context     { return c.Bool(f.Key, f.Value) }
func (f DurationField) applyContext(c zerolog.Context) zerolog.Context { return c.Dur(f.Key, f.Value) }
func (f TimeField) applyContext(c zerolog.Context) zerolog.Context     { return c.Time(f.Key, f.Value) }
func (f ErrorField) applyContext(c zerolog.Context) zerolog.Context    { return c.Err(f.Value) }
func (f AnyField) applyContext(c zerolog.Context) zerolog.Context      { return c.Interface(f.Key, f.Value) }

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerologLogger creates a new ZerologLogger
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.Rotation != nil && config.Rotation.Path != "" {
		w, err := config.Rotation.open()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			fileWriter = w
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					zerolog.CallerFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(writer).Level(config.Level.zerolog())
	if config.EnableSampling {
		logger = logger.Sample(&zerolog.LevelSampler{
			TraceSampler: &zerolog.BurstSampler{
				Burst:       10,
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: 100},
			},
			DebugSampler: &zerolog.BurstSampler{
				Burst:       10,
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: 100},
			},
		})
	}

	logger = logger.With().Timestamp().Logger()

	if config.EnableCaller {
		logger = logger.With().CallerWithSkipFrameCount(3).Logger()
	}

	if config.Subsystem != "" {
		logger = logger.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		logger:     logger,
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

// WithSubsystem creates a new logger with a subsystem
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	sub := name
	if zl.subsystem != "" {
		sub = zl.subsystem + "." + name
	}
	return &ZerologLogger{
		logger:     zl.logger.With().Str("module", sub).Logger(),
		config:     zl.config,
		subsystem:  sub,
		fileWriter: zl.fileWriter,
	}
}

// WithFields creates a new logger with additional fields
func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	ctx := zl.logger.With()
	for _, f := range fields {
		ctx = f.applyContext(ctx)
	}
	return &ZerologLogger{
		logger:     ctx.Logger(),
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

// IsLevelEnabled checks if a log level is enabled
func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

// Close closes the logger and cleans up resources
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
