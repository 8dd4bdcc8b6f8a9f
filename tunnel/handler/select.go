package handler

import (
	"log/slog"

	"httpsniff/inspector"
	"httpsniff/tunnel"
)

// Select picks the handler for the first application protocol a listener
// filter recorded. Anything unrecognized, including TLS, is bypassed.
func Select(logger *slog.Logger, protocol string) tunnel.Handler {
	switch protocol {
	case inspector.LabelHTTP2.String():
		return NewHttp2Handler(logger)
	case inspector.LabelHTTP10.String(), inspector.LabelHTTP11.String():
		return NewHttp11Handler(logger)
	default:
		return NewByPassHandler(logger)
	}
}
