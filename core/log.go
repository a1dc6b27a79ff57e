package core

// Logger is any leveled logging service.
// Implementations may inspect trailing args for context values they
// understand (errors, Identity) and report them to their backend.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
