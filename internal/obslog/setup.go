// Package obslog configures the process-wide go-ethereum/log handler
// from the faucet's own log level/format configuration keys.
package obslog

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
)

func levelFromString(levelName string) (slog.Level, error) {
	switch levelName {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("obslog: unknown log level %q", levelName)
	}
}

// Setup installs a root logger at levelName ("trace".."crit") formatted
// as either "terminal" (colorized, human-oriented) or "json".
func Setup(levelName, format string) error {
	level, err := levelFromString(levelName)
	if err != nil {
		return err
	}

	var handler slog.Handler
	switch format {
	case "json", "":
		handler = log.JSONHandlerWithLevel(os.Stdout, level)
	case "terminal":
		handler = log.NewTerminalHandlerWithLevel(os.Stdout, level, true)
	default:
		return fmt.Errorf("obslog: unknown log format %q", format)
	}

	log.SetDefault(log.NewLogger(handler))
	return nil
}
