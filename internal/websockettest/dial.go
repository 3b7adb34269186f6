// Package websockettest provides dialing helpers for end-to-end WebSocket
// tests.
package websockettest

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial establishes a WebSocket connection to the given URL with the default
// dialer.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(urlStr, header)
}

// DialIgnoringPings connects and suppresses the automatic pong replies so a
// test can pose as an unresponsive client and trigger the server's missed
// ping eviction.
func DialIgnoringPings(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
