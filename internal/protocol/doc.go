// Package protocol defines the relay wire format.
//
// Every frame is a CBOR envelope {t, p}: a discriminant tag and a
// tag-specific payload. Frames travel as binary WebSocket messages, so
// screenshot bytes are carried natively instead of base64-inflated.
//
// Decode is exhaustive over the closed set of tags; an unrecognized tag
// yields an explicit Unknown message rather than an error, letting the
// connection layer apply its violation budget instead of tearing the
// stream down on the first bad frame.
package protocol
