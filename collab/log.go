package collab

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - transport disconnects and reconnect attempts
//     - dropped or invalid inbound payloads
// V(1):
//     connection and sync lifecycle transitions
// V(2):
//     frequent events - e.g. send, reply, push, presence diff -
//     one line per message with the event tag so traffic can be filtered
//
// Tags: [ct] channel transport, [s] session, [p] presence, [w] workflow,
// [q] query stores, [h] history.
