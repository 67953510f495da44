// Package logging configures the standard logger for the live binaries.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/whisper/live-match/internal/config"
)

// Setup points the standard logger at stdout and, when cfg.File is set, a
// rotating log file. The returned closer flushes and closes the file.
func Setup(cfg config.LogConfig, prefix string) (io.Closer, error) {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if prefix != "" {
		log.SetPrefix(prefix + " ")
	}

	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotating))
	log.Printf("[logging] writing to %s", cfg.File)
	return rotating, nil
}
