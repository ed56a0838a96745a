package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// MessageType is the severity of a diagnostic reported by the VM.
type MessageType int

const (
	MessageVerbose MessageType = iota
	MessageInfo
	MessageWarning
	MessageError
	MessageFatal
)

func (m MessageType) String() string {
	switch m {
	case MessageVerbose:
		return "verbose"
	case MessageInfo:
		return "info"
	case MessageWarning:
		return "warning"
	case MessageError:
		return "error"
	case MessageFatal:
		return "fatal"
	}
	return fmt.Sprintf("message(%d)", int(m))
}

// ReportFunc receives VM diagnostics. It is observational only.
type ReportFunc func(kind MessageType, message string)

// logName is the commonlog logger used when no ReportFunc is configured.
const logName = "xenon.vm"

// report sends a diagnostic to the configured hook, or to commonlog.
func (vm *VM) report(kind MessageType, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if vm.config.Report != nil {
		vm.config.Report(kind, msg)
		return
	}
	switch kind {
	case MessageVerbose:
		vm.log.Debug(msg)
	case MessageInfo:
		vm.log.Info(msg)
	case MessageWarning:
		vm.log.Warning(msg)
	case MessageError:
		vm.log.Error(msg)
	default:
		vm.log.Critical(msg)
	}
}

func newLogger() commonlog.Logger {
	return commonlog.GetLogger(logName)
}
