package wiremsg

// Logger is the ambient logging sink for a Conn. A host process implements
// this over whatever structured logger it already uses; Options.Logger
// defaults to a no-op implementation so logging is opt-in.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
