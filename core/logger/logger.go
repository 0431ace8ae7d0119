// Package logger declares the logging interface used across the controller
// and the battery nodes. The zerolog implementation lives in infra/logger.
package logger

// Logger exposes leveled, printf-style logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Nop discards all messages. Useful as a default in tests.
type Nop struct{}

func (Nop) Debugf(string, ...any) {}
func (Nop) Infof(string, ...any)  {}
func (Nop) Warnf(string, ...any)  {}
func (Nop) Errorf(string, ...any) {}
