// Package logging builds the zap logger used as the endpoint's diagnostic
// sink and by the CLI.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the log.* configuration keys.
type Config struct {
	Level       string
	Format      string
	Outputs     []string
	Development bool
	Rotation    Rotation
}

// Rotation controls lumberjack rotation of file outputs.
type Rotation struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FromViper reads the log.* keys.
func FromViper(v *viper.Viper) Config {
	return Config{
		Level:       v.GetString("log.level"),
		Format:      v.GetString("log.format"),
		Outputs:     v.GetStringSlice("log.outputs"),
		Development: v.GetBool("log.development"),
		Rotation: Rotation{
			Enable:     v.GetBool("log.rotation.enable"),
			MaxSizeMB:  v.GetInt("log.rotation.max_size_mb"),
			MaxBackups: v.GetInt("log.rotation.max_backups"),
			MaxAgeDays: v.GetInt("log.rotation.max_age_days"),
			Compress:   v.GetBool("log.rotation.compress"),
		},
	}
}

// Setup builds a zap.Logger from c. The caller should defer logger.Sync().
func Setup(c Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(c.Level))

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, err := sink(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func sink(out string, r Rotation) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 1),
			MaxBackups: max(r.MaxBackups, 0),
			MaxAge:     max(r.MaxAgeDays, 0),
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
