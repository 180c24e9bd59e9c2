package collab

import (
	"encoding/json"

	"github.com/golang/glog"
)

// Query stores follow one shape: request-once over the transport with
// loading/error state, plus push subscriptions that merge server
// deltas into the same state, independent of any in-flight request.
//
// Duplicate in-flight requests are allowed to race; whichever valid
// response lands last wins. De-duplication is the caller's concern.

// sendRequest issues one correlated send and maps the outcome:
// ok      -> apply validates and merges; a validation failure becomes
//            the store error and previous data is left untouched
// error   -> structured store error
// timeout -> fixed timeout error
// finish always runs, with nil on success. Failures never escape as
// panics or returned errors; they are state.
func sendRequest(
	transport ChannelTransport,
	event string,
	payload any,
	apply func(payload json.RawMessage) *StoreError,
	finish func(storeError *StoreError),
) {
	transport.Send(event, payload).
		OnResult(PushStatusOk, func(payload json.RawMessage) {
			if storeError := apply(payload); storeError != nil {
				glog.Infof("[q]%s invalid response = %s\n", event, storeError.Message)
				finish(storeError)
				return
			}
			finish(nil)
		}).
		OnResult(PushStatusError, func(payload json.RawMessage) {
			glog.V(1).Infof("[q]%s error\n", event)
			finish(errorFromPayload(payload))
		}).
		OnResult(PushStatusTimeout, func(payload json.RawMessage) {
			glog.V(1).Infof("[q]%s timeout\n", event)
			finish(timeoutError)
		})
}

// decodeInto is the payload validation boundary for inbound data: a
// payload that does not decode is rejected as a whole so the store
// keeps its last known good state.
func decodeInto(payload json.RawMessage, out any) *StoreError {
	if err := json.Unmarshal(payload, out); err != nil {
		return &StoreError{
			Message: "invalid payload: " + err.Error(),
			Type:    "validation",
		}
	}
	return nil
}
