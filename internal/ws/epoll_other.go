//go:build !linux

package ws

import "net"

// Epoll is a placeholder on platforms without epoll. Its Wait blocks until
// Close; connections are read by per-connection goroutines instead, since
// socketFD reports every connection as not pollable.
type Epoll struct {
	done chan struct{}
}

// NewEpoll creates the placeholder.
func NewEpoll() (*Epoll, error) {
	return &Epoll{done: make(chan struct{})}, nil
}

// Add is never reached because socketFD returns -1.
func (e *Epoll) Add(conn net.Conn) error { return nil }

// Remove is a no-op.
func (e *Epoll) Remove(conn net.Conn) error { return nil }

// Wait blocks until Close.
func (e *Epoll) Wait() ([]net.Conn, error) {
	<-e.done
	return nil, net.ErrClosed
}

// Close releases Wait.
func (e *Epoll) Close() error {
	close(e.done)
	return nil
}

func socketFD(conn net.Conn) int {
	return -1
}
