package adapter

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// gRPC-Web frames: a 1-byte flag (0x00 data, 0x80 trailers) followed by a
// 4-byte big-endian payload length.
const (
	grpcWebDataFrame    = 0x00
	grpcWebTrailerFrame = 0x80
	grpcWebHeaderLen    = 5
)

// GRPCWebContentTypes lists the content types the gRPC-Web endpoint accepts.
// The -text variants carry base64-encoded frames.
var GRPCWebContentTypes = []string{
	"application/grpc-web",
	"application/grpc-web+proto",
	"application/grpc-web-text",
	"application/grpc-web-text+proto",
}

// DecodeGRPCWebFrame extracts the message payload from a gRPC-Web request
// body. Text content types are base64-decoded first.
func DecodeGRPCWebFrame(body []byte, contentType string) ([]byte, error) {
	if strings.Contains(contentType, "-text") {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
		n, err := base64.StdEncoding.Decode(decoded, body)
		if err != nil {
			return nil, gateway.Errf(gateway.ErrValidation, "invalid base64 gRPC-Web body")
		}
		body = decoded[:n]
	}
	if len(body) < grpcWebHeaderLen {
		return nil, gateway.Errf(gateway.ErrValidation, "truncated gRPC-Web frame")
	}
	if body[0] != grpcWebDataFrame {
		return nil, gateway.Errf(gateway.ErrValidation, "first gRPC-Web frame must be a data frame")
	}
	n := binary.BigEndian.Uint32(body[1:5])
	if int(n) > len(body)-grpcWebHeaderLen {
		return nil, gateway.Errf(gateway.ErrValidation, "gRPC-Web frame length exceeds body")
	}
	return body[grpcWebHeaderLen : grpcWebHeaderLen+int(n)], nil
}

// EncodeGRPCWebResponse wraps a message payload and trailer set into response
// frames, base64-encoding when the request used a -text content type.
func EncodeGRPCWebResponse(payload []byte, grpcStatus int, grpcMessage, contentType string) []byte {
	out := make([]byte, 0, len(payload)+2*grpcWebHeaderLen+64)

	frame := make([]byte, grpcWebHeaderLen)
	frame[0] = grpcWebDataFrame
	binary.BigEndian.PutUint32(frame[1:], uint32(len(payload)))
	out = append(out, frame...)
	out = append(out, payload...)

	trailers := fmt.Sprintf("grpc-status: %d\r\n", grpcStatus)
	if grpcMessage != "" {
		trailers += "grpc-message: " + grpcMessage + "\r\n"
	}
	frame[0] = grpcWebTrailerFrame
	binary.BigEndian.PutUint32(frame[1:], uint32(len(trailers)))
	out = append(out, frame...)
	out = append(out, trailers...)

	if strings.Contains(contentType, "-text") {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
		base64.StdEncoding.Encode(encoded, out)
		return encoded
	}
	return out
}
