package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// MessageConn is the message-oriented connection beneath a Socket. It is the
// subset of *websocket.Conn the socket relies on, so tests and embedded
// deployments can substitute an in-memory implementation.
type MessageConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

var defaultDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 30 * time.Second,
}

// Dial starts an asynchronous websocket connection to url and returns the
// wrapping Socket immediately; use WaitForOpen to observe the outcome.
func Dial(url string, opts *SocketOptions) *Socket {
	s := newSocket(opts)

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Debug("Opening websocket connection")

	go func() {
		conn, _, err := defaultDialer.Dial(url, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dial",
				"url":      url,
				"error":    err.Error(),
			}).Warn("Websocket connection failed")
			s.failOpen(err)
			return
		}
		s.attach(conn)
	}()

	return s
}
