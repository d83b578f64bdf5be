package server

import (
	"net/http"
	"time"

	"plyr/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// handleQueueEvents upgrades to a websocket and streams {owner_id, version}
// for every accepted write of the caller's queue. The current version is sent
// first so a reconnecting client can catch up immediately.
func (qs *QueueServer) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	deviceID := sanitizeInput(r.Header.Get(headerDeviceID))
	if deviceID == "" {
		deviceID = sanitizeInput(r.URL.Query().Get("device_id"))
	}
	if verr := validateDeviceID(deviceID); verr != nil {
		qs.respondWithValidationError(w, r, http.StatusBadRequest, []ValidationError{*verr})
		return
	}

	current, err := qs.service.Read(r.Context(), owner)
	if err != nil {
		qs.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving queue", err)
		return
	}

	conn, err := qs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		qs.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	device := qs.devices.Connect(owner, deviceID, r.UserAgent(), r.RemoteAddr, sanitizeInput(r.URL.Query().Get("name")))
	events := qs.hub.Subscribe(owner)
	log := qs.logger.WithFields(logrus.Fields{
		"owner_id":  owner,
		"device_id": device.ID,
	})
	log.Info("Event stream connected")

	done := make(chan struct{})
	go qs.readPump(conn, device.ID, done)
	qs.writePump(conn, events, models.ChangeEvent{OwnerID: owner, Version: current.Version}, done, log)

	qs.hub.Unsubscribe(events)
	qs.devices.Disconnect(device.ID)
	conn.Close()
	log.Info("Event stream closed")
}

// readPump drains client frames so control messages (pong, close) are
// processed. Clients send nothing else. done is closed when the peer is gone.
func (qs *QueueServer) readPump(conn *websocket.Conn, deviceID string, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		qs.devices.Touch(deviceID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		qs.devices.Touch(deviceID)
	}
}

// writePump sends the initial event, then hub events and pings, until the
// peer goes away or the hub drops the subscription.
func (qs *QueueServer) writePump(conn *websocket.Conn, events <-chan models.ChangeEvent, first models.ChangeEvent, done <-chan struct{}, log logrus.FieldLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := func(ev models.ChangeEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.WithError(err).Debug("Event write failed")
			return false
		}
		return true
	}

	if !send(first) {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				// Dropped as a slow listener; the client reconnects.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagging"))
				return
			}
			if !send(ev) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
