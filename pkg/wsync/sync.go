package wsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inheritsync/pkg/replica"
)

// ResyncInterval is how often the writer checks for pending messages without a wake-up.
const ResyncInterval = time.Second

func readAndReceiveMessage(
	conn *websocket.Conn,
	rep *replica.Replica,
	syncState *automerge.SyncState,
	onText func([]byte),
) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.BinaryMessage:
		if _, err := rep.ReceiveSyncMessage(syncState, p); err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
	case websocket.TextMessage:
		if onText != nil {
			onText(p)
		}
	default:
	}
	return nil
}

// writePending sends sync messages until the replica has nothing more to say to this peer.
func writePending(
	conn *websocket.Conn,
	rep *replica.Replica,
	syncState *automerge.SyncState,
) error {
	for {
		msg, valid := rep.GenerateSyncMessage(syncState)
		if msg == nil {
			return nil
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		if !valid {
			return nil
		}
	}
}

// Sync exchanges automerge sync messages between the editor on conn and rep until the editor goes
// away or ctx is done. Text frames are handed to onText. Sync owns writes to conn while it runs.
func Sync(
	ctx context.Context,
	conn *websocket.Conn,
	rep *replica.Replica,
	onText func([]byte),
) error {
	ss := rep.NewSyncState()
	wake, unsubscribe := rep.Subscribe()
	defer unsubscribe()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := readAndReceiveMessage(conn, rep, ss, onText); err != nil {
				readErr = err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()

		t := time.NewTicker(ResyncInterval)
		defer t.Stop()
		for {
			if err := writePending(conn, rep, ss); err != nil {
				slog.Error(err.Error(), "field", rep.ID())
				return
			}
			select {
			case <-wake:
			case <-t.C:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	if ctx.Err() != nil || readErr == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		return nil
	}
	return readErr
}
