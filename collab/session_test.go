package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/flowline/collab/collab/crdt"
)

func TestSessionConnectsThenSyncs(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventSyncDocument, PushStatusOk, `{"update":"","vector":{}}`)

	session := NewSession(context.Background(), transport, nil, &SessionAuth{Token: "t"})

	snapshots := []SessionSnapshot{}
	session.Subscribe(func() {
		snapshots = append(snapshots, session.GetSnapshot())
	})

	transport.setStatus(ConnectionStateConnected)

	final := session.GetSnapshot()
	assert.Equal(t, final.IsConnected, true)
	assert.Equal(t, final.IsSynced, true)

	// connected is observed strictly before synced, never the reverse
	sawConnectedUnsynced := false
	for _, snapshot := range snapshots {
		if snapshot.IsSynced {
			assert.Equal(t, snapshot.IsConnected, true)
			assert.Equal(t, sawConnectedUnsynced, true)
		}
		if snapshot.IsConnected && !snapshot.IsSynced {
			sawConnectedUnsynced = true
		}
	}

	assert.Equal(t, transport.countSent(eventSyncDocument), 1)
}

func TestFailedConnectionKeepsDocument(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(context.Background(), transport, nil, &SessionAuth{Token: "t"})

	transport.setStatus(ConnectionStateConnecting)
	transport.setStatus(ConnectionStateDisconnected)

	snapshot := session.GetSnapshot()
	assert.Equal(t, snapshot.ConnectionState, ConnectionStateDisconnected)
	assert.Equal(t, snapshot.IsConnected, false)

	// local edits still work and will reconcile on reconnect
	doc := session.Doc()
	session.RoomLock().Lock()
	doc.Transact("local-edit", func() {
		doc.Map("workflow").Set("name", "offline draft")
	})
	session.RoomLock().Unlock()

	var name string
	session.RoomLock().Lock()
	doc.Map("workflow").GetInto("name", &name)
	session.RoomLock().Unlock()
	assert.Equal(t, name, "offline draft")
}

func TestLocalEditsBroadcast(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(context.Background(), transport, nil, &SessionAuth{Token: "t"})

	doc := session.Doc()
	session.RoomLock().Lock()
	doc.Transact("local-edit", func() {
		doc.Map("workflow").Set("name", "broadcast me")
	})
	session.RoomLock().Unlock()

	updates := transport.sentEvents(eventUpdateDocument)
	assert.Equal(t, len(updates), 1)

	var body struct {
		Update string `json:"update"`
	}
	err := json.Unmarshal(updates[0].payload, &body)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, body.Update, "")
}

func TestPushedUpdatesApplyWithoutEcho(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(context.Background(), transport, nil, &SessionAuth{Token: "t"})

	remote := crdt.NewDoc()
	remote.Transact("local-edit", func() {
		remote.Map("workflow").Set("name", "from peer")
	})
	update := remote.EncodeStateAsUpdate(nil)

	payload, err := json.Marshal(map[string]any{
		"update": base64.StdEncoding.EncodeToString(update),
	})
	assert.Equal(t, err, nil)
	transport.pushEvent(eventDocumentUpdated, string(payload))

	var name string
	session.RoomLock().Lock()
	session.Doc().Map("workflow").GetInto("name", &name)
	session.RoomLock().Unlock()
	assert.Equal(t, name, "from peer")

	// a remote apply must not be rebroadcast
	assert.Equal(t, transport.countSent(eventUpdateDocument), 0)
}

func TestLeaveRetainsDocument(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(context.Background(), transport, nil, &SessionAuth{Token: "t"})

	doc := session.Doc()
	session.RoomLock().Lock()
	doc.Transact("local-edit", func() {
		doc.Map("workflow").Set("name", "keep me")
	})
	session.RoomLock().Unlock()

	session.Leave()

	assert.Equal(t, transport.closed, true)
	assert.Equal(t, session.Transport(), nil)
	assert.Equal(t, session.GetSnapshot().IsConnected, false)

	// the document survives leave for offline editing
	doc.Transact("local-edit", func() {
		doc.Map("workflow").Set("name", "still editable")
	})
	var name string
	doc.Map("workflow").GetInto("name", &name)
	assert.Equal(t, name, "still editable")
}

func TestSessionAuthUserId(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-42"}`))
	auth := &SessionAuth{Token: header + "." + claims + "."}

	userId, err := auth.UserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "user-42")

	noSubject := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
	bad := &SessionAuth{Token: header + "." + noSubject + "."}
	_, err = bad.UserId()
	assert.NotEqual(t, err, nil)
}
