//go:build linux

package reactor

// New creates the production reactor backend for the current platform:
// epoll on Linux.
func New() (Reactor, error) {
	return NewEpoll()
}
