// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package subscriptions

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/drpcorg/logs-oracle/api/utils"
	"github.com/drpcorg/logs-oracle/log"
)

var logger = log.WithContext("pkg", "subscriptions")

const (
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod * 2
	writeWait  = 10 * time.Second
)

// DB is the part of the log db a subscription follows.
type DB interface {
	Height() (uint64, bool, error)
	Advanced() <-chan struct{}
}

// HeightMessage is sent each time the queryable height moves.
type HeightMessage struct {
	Height uint64 `json:"height"`
}

type Subscriptions struct {
	db       DB
	upgrader *websocket.Upgrader
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(db DB, allowedOrigins []string) *Subscriptions {
	return &Subscriptions{
		db: db,
		upgrader: &websocket.Upgrader{
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == origin || allowed == "*" {
						return true
					}
				}
				return false
			},
		},
		done: make(chan struct{}),
	}
}

func (s *Subscriptions) handleSubscribeHeight(w http.ResponseWriter, req *http.Request) error {
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader already responded
		logger.Debug("upgrade failed", "err", err)
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read", "err", err)
				}
				return
			}
		}
	}()

	if err := s.pipe(conn, closed); err != nil {
		logger.Debug("websocket closed", "err", err)
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return nil
}

// pipe writes a message for every height until the peer leaves or the
// subscriptions close.
func (s *Subscriptions) pipe(conn *websocket.Conn, closed <-chan struct{}) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var (
		sent    uint64
		hasSent bool
	)
	for {
		// subscribe before reading the height so no move is missed
		advanced := s.db.Advanced()
		h, ok, err := s.db.Height()
		if err != nil {
			return err
		}
		if ok && (!hasSent || h != sent) {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&HeightMessage{Height: h}); err != nil {
				return err
			}
			sent, hasSent = h, true
		}

		select {
		case <-s.done:
			return nil
		case <-closed:
			return nil
		case <-advanced:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// Close ends every subscription and waits for their handlers.
func (s *Subscriptions) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Subscriptions) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()

	sub.Path("/height").
		Methods(http.MethodGet).
		Name("subscriptions_height").
		HandlerFunc(utils.WrapHandlerFunc(s.handleSubscribeHeight))
}
