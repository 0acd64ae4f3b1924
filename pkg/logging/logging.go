package logging

import (
	"bytes"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

func textFormatter() log.Formatter {
	return &log.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        time.RFC3339Nano,
		DisableLevelTruncation: true,
	}
}

func jsonFormatter() log.Formatter {
	return &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
}

// Setup configures the package-level logger. Format is one of 'text', 'json' or 'actions'.
func Setup(output io.Writer, level, format string) error {
	log.SetOutput(output)

	switch format {
	case "json":
		log.SetFormatter(jsonFormatter())
	case "text":
		log.SetFormatter(textFormatter())
	case "actions":
		log.SetFormatter(&ActionsFormatter{})
	default:
		return fmt.Errorf("log format '%s' is not recognized", format)
	}

	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("while setting log level: %s", err)
	}
	log.SetLevel(logLevel)

	return nil
}

// ActionsFormatter emits GitHub Actions workflow commands for warnings and errors.
type ActionsFormatter struct{}

func (a *ActionsFormatter) Format(e *log.Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch e.Level {
	case log.PanicLevel, log.FatalLevel, log.ErrorLevel:
		buf.WriteString("::error::")
	case log.WarnLevel:
		buf.WriteString("::warning::")
	default:
		buf.WriteString("[")
		buf.WriteString(e.Time.Format(time.RFC3339Nano))
		buf.WriteString("] ")
	}
	buf.WriteString(e.Message)
	for _, key := range []string{"environment", "artifact", "deployment"} {
		if v, ok := e.Data[key]; ok {
			fmt.Fprintf(buf, " %s=%v", key, v)
		}
	}
	buf.WriteRune('\n')
	return buf.Bytes(), nil
}
