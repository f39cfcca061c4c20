// Package webchat relays chat requests received over WebSocket to an upstream language model and
// streams the reply back as start/chunk/end (or error) events.
//
// Each connection runs a small state machine on its own goroutine:
// connecting, open, authenticating (when a connect-time token is given), ready and streaming.
// Requests on a connection are handled strictly one at a time; frames that arrive while a reply
// is streaming are queued.
//
// Recommended setup:
//   - Build a Relay with NewRelay and an upstream.Adapter, adding a TurnStore and AuthResolver for persistence.
//   - Create a Server with NewServer, optionally mounting NewSessionAPIHandler and a metrics handler.
//   - Call Server.Run with a context cancelled on shutdown.
package webchat
