package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var taskDump = false
var minidump = false
var kernel = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{FullTimestamp: true}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// TaskDump returns true if the taskdump package should log remote reads
// and VM region lookups.
func TaskDump() bool {
	return taskDump
}

// TaskDumpLogger returns a logger for the taskdump package.
func TaskDumpLogger() Logger {
	return makeFlaggableLogger(taskDump, Fields{"layer": "taskdump"})
}

// Minidump returns true if the minidump writer should log.
func Minidump() bool {
	return minidump
}

// MinidumpLogger returns a logger for the minidump writer.
func MinidumpLogger() Logger {
	return makeFlaggableLogger(minidump, Fields{"layer": "minidump"})
}

// Kernel returns true if every mach call should be logged along with its
// return status.
func Kernel() bool {
	return kernel
}

// KernelLogger returns a logger for failed mach calls.
func KernelLogger() Logger {
	return makeFlaggableLogger(kernel, Fields{"layer": "taskdump", "kind": "kernel"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "machdump-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
		textFormatterInstance.DisableColors = true
	} else {
		textFormatterInstance.DisableColors = !isatty.IsTerminal(os.Stderr.Fd())
	}
	if logstr == "" {
		logstr = "minidump"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "taskdump":
			taskDump = true
		case "minidump":
			minidump = true
		case "kernel":
			kernel = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
