// Package contracts defines the wire types and error taxonomy shared by every
// part of mmate-ipc.
//
// Two kinds of message travel over a channel:
//   - Request: a labeled payload carrying a correlation id chosen by the sender
//   - Response: a message with the reserved label "response" whose data is an
//     Envelope holding either a result or an error string
//
// The types here are codec-neutral; they carry both json and cbor friendly tags
// so the same structs can be encoded by any codec in the serialization package.
package contracts
