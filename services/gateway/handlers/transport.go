// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/registry"
)

// wsTransport adapts a gorilla connection to registry.Transport.
//
// gorilla allows one concurrent writer, so Send serializes on writeMu.
// Reads stay on the socket handler goroutine.
type wsTransport struct {
	conn         *websocket.Conn
	socketID     string
	info         registry.ClientInfo
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ registry.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn, info registry.ClientInfo, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		socketID:     uuid.NewString(),
		info:         info,
		writeTimeout: writeTimeout,
	}
}

func (t *wsTransport) SocketID() string { return t.socketID }

func (t *wsTransport) ClientInfo() registry.ClientInfo { return t.info }

// Send writes one {event, data} text frame.
func (t *wsTransport) Send(event string, payload any) error {
	frame, err := datatypes.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a best-effort close frame and closes the socket once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
