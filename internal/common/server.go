package common

// Server is a listener driven by cmd: Listen binds, Serve blocks until Close.
type Server interface {
	Listen() error
	Serve() error
	Close() error
	Addr() string
}
