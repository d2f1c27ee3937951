// Package wsclient provides a WebSocket client for talking to cloud
// endpoints over ws or wss.
//
// A Client is driven by a single background goroutine and a depth-one
// action queue: Connect, Disconnect and Stop enqueue a request and return
// immediately, with the actual transition performed asynchronously.
// Received messages that fit the configured buffer size are delivered
// whole; larger messages arrive as ordered fragment events.
package wsclient
