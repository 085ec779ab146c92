package util

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogComponentField = "component"

	defaultLogComponent = "netdump"
)

type NetdumpFormatter struct {
	*logrus.TextFormatter
}

type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetUpLogger installs the formatter. With a log file path the output also goes to a
// rotated file next to stderr.
func SetUpLogger(options LogFileOptions) error {
	logrus.SetFormatter(NetdumpFormatter{
		TextFormatter: &logrus.TextFormatter{
			DisableColors: options.Path != "",
			FullTimestamp: true,
		},
	})
	if options.Path == "" {
		return nil
	}

	path, err := filepath.Abs(options.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	testFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	testFile.Close()

	logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    options.MaxSizeMB,
		MaxBackups: options.MaxBackups,
		MaxAge:     options.MaxAgeDays,
	}))
	logrus.Infof("Storing logs at path: %v", path)
	return nil
}

func (l NetdumpFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	logMsg := &bytes.Buffer{}
	component, ok := entry.Data[LogComponentField]
	if !ok {
		component = defaultLogComponent
	}
	name, ok := component.(string)
	if !ok {
		return nil, errors.New("field component must be a string")
	}
	logMsg.WriteString("[" + name + "] ")

	// The component is already in the prefix.
	data := entry.Data
	if _, exists := data[LogComponentField]; exists {
		data = make(logrus.Fields, len(entry.Data))
		for k, v := range entry.Data {
			if k != LogComponentField {
				data[k] = v
			}
		}
		stripped := *entry
		stripped.Data = data
		entry = &stripped
	}

	msg, err := l.TextFormatter.Format(entry)
	if err != nil {
		return nil, err
	}
	logMsg.Write(msg)
	return logMsg.Bytes(), nil
}
