package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRequestAdaptorsOk(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventRequestAdaptors, PushStatusOk, `{"adaptors":[{"name":"@openfn/language-common"}]}`)

	store := NewAdaptorStore(transport)
	store.RequestAdaptors()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error, nil)
	assert.Equal(t, len(snapshot.Adaptors), 1)
	assert.Equal(t, snapshot.Adaptors[0].Name, "@openfn/language-common")
}

func TestRequestAdaptorsInvalidResponseKeepsData(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventRequestAdaptors, PushStatusOk, `{"adaptors":[{"name":"@openfn/language-http"}]}`)
	transport.script(eventRequestAdaptors, PushStatusOk, `{"adaptors":[{"repo":"no name"}]}`)

	store := NewAdaptorStore(transport)
	store.RequestAdaptors()
	store.RequestAdaptors()

	snapshot := store.GetSnapshot()
	assert.NotEqual(t, snapshot.Error, nil)
	assert.Equal(t, snapshot.Error.Type, "validation")
	// previous data untouched
	assert.Equal(t, len(snapshot.Adaptors), 1)
	assert.Equal(t, snapshot.Adaptors[0].Name, "@openfn/language-http")
}

func TestAdaptorsPushMergesWithoutRequest(t *testing.T) {
	transport := newFakeTransport()
	store := NewAdaptorStore(transport)

	transport.pushEvent(eventAdaptorsUpdated, `{"adaptors":[{"name":"@openfn/language-dhis2","latest":"3.0.1"}]}`)

	snapshot := store.GetSnapshot()
	assert.Equal(t, len(snapshot.Adaptors), 1)
	assert.Equal(t, snapshot.Adaptors[0].Latest, "3.0.1")
	assert.Equal(t, transport.countSent(eventRequestAdaptors), 0)
}

func TestSessionContextOk(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventGetContext, PushStatusOk, `{
		"user": {"id": "user-1", "first_name": "Ada", "email": "ada@example.com"},
		"project": {"id": "proj-1", "name": "Main"},
		"config": {"ai_assistant_enabled": true},
		"permissions": {"can_edit_workflow": true},
		"latest_snapshot_lock_version": 4,
		"has_read_ai_disclaimer": true,
		"limits": {"run_limit": 1}
	}`)

	store := NewSessionContextStore(transport)
	store.RequestSessionContext()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error, nil)
	assert.Equal(t, snapshot.User.Id, "user-1")
	assert.Equal(t, snapshot.Project.Name, "Main")
	assert.Equal(t, snapshot.Config.AiAssistantEnabled, true)
	assert.Equal(t, snapshot.LatestSnapshotLockVersion, int64(4))
	assert.Equal(t, snapshot.HasReadAiDisclaimer, true)
	assert.Equal(t, snapshot.Limits.RunLimit, JSONBool(true))
}

func TestSessionContextError(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventGetContext, PushStatusError, `{"errors":{"base":["Server error"]},"type":"error"}`)

	store := NewSessionContextStore(transport)
	store.RequestSessionContext()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error.Message, "Server error")
}

func TestSessionContextTimeoutKeepsCache(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventGetContext, PushStatusOk, `{
		"user": {"id": "user-1", "first_name": "Ada"},
		"project": {"id": "proj-1", "name": "Main"}
	}`)
	transport.script(eventGetContext, PushStatusTimeout, ``)

	store := NewSessionContextStore(transport)
	store.RequestSessionContext()
	store.RequestSessionContext()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error.Message, "request timed out")
	// cached data is not clobbered by a timeout
	assert.Equal(t, snapshot.User.Id, "user-1")
	assert.Equal(t, snapshot.Project.Id, "proj-1")
}

func TestSessionContextPushMergesPartially(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventGetContext, PushStatusOk, `{
		"user": {"id": "user-1", "first_name": "Ada"},
		"project": {"id": "proj-1", "name": "Main"},
		"permissions": {"can_edit_workflow": true}
	}`)

	store := NewSessionContextStore(transport)
	store.RequestSessionContext()

	transport.pushEvent(eventSessionContextUpdated, `{"permissions": {"can_edit_workflow": false}}`)

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.Permissions.CanEditWorkflow, false)
	// fields absent from the partial update stay put
	assert.Equal(t, snapshot.User.Id, "user-1")
	assert.Equal(t, snapshot.Project.Name, "Main")
}

func TestSessionContextErrorPersistsUntilCleared(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventGetContext, PushStatusError, `{"errors":{"base":["Server error"]},"type":"error"}`)

	store := NewSessionContextStore(transport)
	store.RequestSessionContext()
	assert.NotEqual(t, store.GetSnapshot().Error, nil)

	// unrelated push merges do not clear the error
	transport.pushEvent(eventSessionContextUpdated, `{"project": {"id": "proj-2", "name": "Other"}}`)
	assert.NotEqual(t, store.GetSnapshot().Error, nil)

	store.ClearError()
	assert.Equal(t, store.GetSnapshot().Error, nil)
}

func TestRequestCredentialsOk(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventRequestCredentials, PushStatusOk, `{
		"credentials": [{"id": "cred-1", "name": "salesforce prod", "project_credential_id": "pc-1"}],
		"keychain_credentials": [{"id": "kc-1", "name": "shared key"}]
	}`)

	store := NewCredentialStore(transport)
	store.RequestCredentials()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error, nil)
	assert.Equal(t, len(snapshot.ProjectCredentials), 1)
	assert.Equal(t, snapshot.ProjectCredentials[0].Name, "salesforce prod")
	assert.Equal(t, len(snapshot.KeychainCredentials), 1)
}

func TestCredentialsPushReplaces(t *testing.T) {
	transport := newFakeTransport()
	store := NewCredentialStore(transport)

	transport.pushEvent(eventCredentialsUpdated, `{"credentials": [{"id": "cred-2", "name": "dhis2"}]}`)

	snapshot := store.GetSnapshot()
	assert.Equal(t, len(snapshot.ProjectCredentials), 1)
	assert.Equal(t, snapshot.ProjectCredentials[0].Id, "cred-2")
}

func TestAssistantMessageFlow(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventAssistantNewMessage, PushStatusOk, `{
		"session_id": "sess-1",
		"message": {"id": "m1", "role": "user", "content": "help me map this field"}
	}`)

	store := NewAssistantStore(transport)
	store.SendMessage("help me map this field")

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.SessionId, "sess-1")
	assert.Equal(t, len(snapshot.Messages), 1)

	// streaming reply arrives as pushes
	transport.pushEvent(eventAssistantNewMessage, `{"message": {"id": "m2", "role": "assistant", "content": "Sure", "status": "pending"}}`)
	transport.pushEvent(eventAssistantMessageUpdated, `{"message": {"id": "m2", "role": "assistant", "content": "Sure, use fn()", "status": "complete"}}`)

	snapshot = store.GetSnapshot()
	assert.Equal(t, len(snapshot.Messages), 2)
	assert.Equal(t, snapshot.Messages[1].Content, "Sure, use fn()")
	assert.Equal(t, snapshot.Messages[1].Status, "complete")

	// the second message reuses the created session
	sends := transport.sentEvents(eventAssistantNewMessage)
	assert.Equal(t, len(sends), 1)
	store.SendMessage("thanks")
	sends = transport.sentEvents(eventAssistantNewMessage)
	assert.Equal(t, string(sends[1].payload), `{"content":"thanks","session_id":"sess-1"}`)
}

func TestAssistantErrorPush(t *testing.T) {
	transport := newFakeTransport()
	store := NewAssistantStore(transport)

	transport.pushEvent(eventAssistantError, `{"errors":{"base":["Assistant unavailable"]},"type":"error"}`)

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsLoading, false)
	assert.Equal(t, snapshot.Error.Message, "Assistant unavailable")

	store.ClearError()
	assert.Equal(t, store.GetSnapshot().Error, nil)
}
