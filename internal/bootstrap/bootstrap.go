// Package bootstrap subscribes the configured default rooms on every new
// peer connection.
package bootstrap

import (
	"log/slog"

	"github.com/postalsys/roomrelay/internal/config"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/peer"
)

// Hooks is the part of the relay server bootstrap needs.
type Hooks interface {
	OnConnect(fn func(*peer.Connection))
}

// Install registers a connect callback on srv that subscribes every log
// room (payloads are logged) and every echo room (payloads are sent back to
// the peer on the same room). Because connect callbacks run before the
// first dispatch, the datagram that opens a connection is already routed
// to these rooms.
func Install(srv Hooks, rooms config.RoomsConfig, logger *slog.Logger) {
	logger = logging.OrNop(logger).With(logging.KeyComponent, "bootstrap")

	logRooms := append([]string(nil), rooms.Log...)
	echoRooms := append([]string(nil), rooms.Echo...)

	srv.OnConnect(func(c *peer.Connection) {
		peerLogger := logger.With(logging.KeyPeer, c.Addr().String())

		for _, room := range logRooms {
			c.Subscribe(room, func(payload []byte) {
				peerLogger.Info("message received",
					logging.KeyRoom, room,
					logging.KeyBytes, len(payload),
					"payload", string(payload))
			})
		}

		for _, room := range echoRooms {
			c.Subscribe(room, func(payload []byte) {
				if err := c.Send(room, payload); err != nil {
					peerLogger.Warn("echo failed",
						logging.KeyRoom, room,
						logging.KeyError, err)
				}
			})
		}

		peerLogger.Debug("default rooms subscribed",
			logging.KeyCount, len(logRooms)+len(echoRooms))
	})
}
