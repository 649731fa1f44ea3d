package protoinfer

import (
	"testing"

	"github.com/m-lab/socket-tracer/types"
)

func TestInferHTTPMessageRequiresMinLength(t *testing.T) {
	short := []byte("GET /x HTTP/1")
	if got := InferHTTPMessage(short); got != types.MessageTypeUnknown {
		t.Errorf("got %v, want Unknown for a %d byte prefix", got, len(short))
	}
}

func TestInferHTTPMessageRequest(t *testing.T) {
	cases := []string{
		"GET /index.html HTTP/1.1\r\n",
		"HEAD /index.html HTTP/1.1\r\n",
		"POST /index.html HTTP/1.1\r\n",
		"PUT /index.html HTTP/1.1\r\n\r\n",
		"DELETE /x HTTP/1.1\r\n\r\n",
	}
	for _, c := range cases {
		if got := InferHTTPMessage([]byte(c)); got != types.MessageTypeRequest {
			t.Errorf("InferHTTPMessage(%q) = %v, want Request", c, got)
		}
	}
}

func TestInferHTTPMessageResponse(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	if got := InferHTTPMessage(buf); got != types.MessageTypeResponse {
		t.Errorf("got %v, want Response", got)
	}
}

func TestInferHTTPMessageUnknownForGarbage(t *testing.T) {
	buf := []byte("\x16\x03\x01\x00\xa5\x01\x00\x00\xa1\x03\x03aaaaaaaaaaaa")
	if got := InferHTTPMessage(buf); got != types.MessageTypeUnknown {
		t.Errorf("got %v, want Unknown for non-HTTP bytes", got)
	}
}

func TestInferProtocol(t *testing.T) {
	msg := InferProtocol([]byte("GET / HTTP/1.1\r\n\r\n"))
	if msg.Protocol != types.ProtocolHTTP || msg.MsgType != types.MessageTypeRequest {
		t.Errorf("got %+v, want HTTP/Request", msg)
	}
	none := InferProtocol([]byte("short"))
	if none.Protocol != types.ProtocolUnknown {
		t.Errorf("got %+v, want Unknown protocol", none)
	}
}

func TestRoleFromMessage(t *testing.T) {
	cases := []struct {
		dir  types.TrafficDirection
		mt   types.MessageType
		want types.EndpointRole
	}{
		{types.DirectionEgress, types.MessageTypeRequest, types.RoleClient},
		{types.DirectionIngress, types.MessageTypeResponse, types.RoleClient},
		{types.DirectionIngress, types.MessageTypeRequest, types.RoleServer},
		{types.DirectionEgress, types.MessageTypeResponse, types.RoleServer},
		{types.DirectionEgress, types.MessageTypeUnknown, types.RoleUnknown},
	}
	for _, c := range cases {
		if got := RoleFromMessage(c.dir, c.mt); got != c.want {
			t.Errorf("RoleFromMessage(%v, %v) = %v, want %v", c.dir, c.mt, got, c.want)
		}
	}
}
