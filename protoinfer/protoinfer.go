// Package protoinfer implements first-bytes application-protocol
// recognition: looking at the first handful of payload bytes of a
// connection and guessing whether they are HTTP, and if so whether they
// look like a request or a response. It never looks past ProtocolVecLimit
// iovecs or past the minimum prefix length needed to decide, matching the
// bounded, single-pass inference the kernel verifier would accept.
package protoinfer

import (
	"bytes"

	"github.com/m-lab/socket-tracer/types"
)

// minInferenceBytes is the shortest prefix InferHTTPMessage will commit to
// a verdict on; shorter prefixes are reported as Unknown rather than
// guessed at.
const minInferenceBytes = 16

var (
	httpResponsePrefix  = []byte("HTTP")
	httpRequestPrefixes = [][]byte{
		[]byte("GET"), []byte("HEAD"), []byte("POST"),
		[]byte("PUT"), []byte("DELETE"),
	}
)

// Message is the result of inferring a protocol and message type from a
// payload prefix.
type Message struct {
	Protocol types.TrafficProtocol
	MsgType  types.MessageType
}

// InferHTTPMessage classifies buf as an HTTP request, an HTTP response, or
// Unknown, using only a fixed-prefix byte comparison: buf shorter than
// minInferenceBytes is always Unknown, matching the specification's
// "requires >= 16 bytes" rule.
func InferHTTPMessage(buf []byte) types.MessageType {
	if len(buf) < minInferenceBytes {
		return types.MessageTypeUnknown
	}
	if bytes.HasPrefix(buf, httpResponsePrefix) {
		return types.MessageTypeResponse
	}
	for _, prefix := range httpRequestPrefixes {
		if bytes.HasPrefix(buf, prefix) {
			return types.MessageTypeRequest
		}
	}
	return types.MessageTypeUnknown
}

// InferProtocol runs every known inference rule against buf (today, only
// HTTP) and returns the first one that produces a non-Unknown verdict.
func InferProtocol(buf []byte) Message {
	if msgType := InferHTTPMessage(buf); msgType != types.MessageTypeUnknown {
		return Message{Protocol: types.ProtocolHTTP, MsgType: msgType}
	}
	return Message{Protocol: types.ProtocolUnknown, MsgType: types.MessageTypeUnknown}
}

// RoleFromMessage derives an EndpointRole from a direction and an inferred
// message type, for connections that were never classified by an
// accept/connect syscall (e.g. an inherited or pre-existing descriptor). A
// request seen going out, or a response seen coming in, means the local
// endpoint is the client; the converse means it is the server. Any other
// combination is left Unknown rather than guessed at.
func RoleFromMessage(direction types.TrafficDirection, msgType types.MessageType) types.EndpointRole {
	switch {
	case direction == types.DirectionEgress && msgType == types.MessageTypeRequest:
		return types.RoleClient
	case direction == types.DirectionIngress && msgType == types.MessageTypeResponse:
		return types.RoleClient
	case direction == types.DirectionIngress && msgType == types.MessageTypeRequest:
		return types.RoleServer
	case direction == types.DirectionEgress && msgType == types.MessageTypeResponse:
		return types.RoleServer
	default:
		return types.RoleUnknown
	}
}
