/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jitlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// LiveServer streams records to websocket clients as JSON text
// messages, one per record. It is a Sink.
type LiveServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewLiveServer() *LiveServer {
	s := &LiveServer{clients: map[*websocket.Conn]*sync.Mutex{}}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	return s
}

func (s *LiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		return
	}
	s.mu.Lock()
	s.clients[ws] = new(sync.Mutex)
	s.mu.Unlock()
	defer s.drop(ws)
	for {
		// clients only listen; reading detects the close
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *LiveServer) drop(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, ws)
	s.mu.Unlock()
	ws.Close()
}

// Clients is the number of connected clients.
func (s *LiveServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *LiveServer) Write(recs []Record) error {
	msgs := make([][]byte, len(recs))
	for i := range recs {
		b, err := json.Marshal(&recs[i])
		if err != nil {
			return err
		}
		msgs[i] = b
	}
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for ws, m := range s.clients {
		conns[ws] = m
	}
	s.mu.Unlock()
	for ws, m := range conns {
		m.Lock()
		for _, b := range msgs {
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				fmt.Println("jitlog: dropping live client:", err)
				ws.Close()
				break
			}
		}
		m.Unlock()
	}
	return nil
}

// Close disconnects all clients.
func (s *LiveServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.clients {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}
	s.clients = map[*websocket.Conn]*sync.Mutex{}
	return nil
}
