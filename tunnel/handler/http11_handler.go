package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"httpsniff/tunnel"
)

// Http11Handler relays HTTP/1.0 and HTTP/1.1 exchanges one at a time and
// logs each of them.
type Http11Handler struct {
	logger *slog.Logger
}

func NewHttp11Handler(logger *slog.Logger) *Http11Handler {
	return &Http11Handler{
		logger: logger.With("context", "Http11Handler"),
	}
}

func (h *Http11Handler) Handle(ctx context.Context, tun *tunnel.Tunnel) error {
	stop := context.AfterFunc(ctx, func() { _ = tun.Close() })
	defer stop()

	for {
		req, err := http.ReadRequest(tun.Downstream.Reader)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		var reqBody, resBody *tunnel.TeeReadCloser
		if req.Body != http.NoBody {
			reqBody = tunnel.NewTeeReadCloser(req.Body, tunnel.PreviewSize)
			req.Body = reqBody
		}

		if err = req.Write(tun.Upstream.Writer); err != nil {
			return err
		}
		if err = tun.Upstream.Writer.Flush(); err != nil {
			return err
		}

		res, err := http.ReadResponse(tun.Upstream.Reader, req)
		if err != nil {
			return err
		}

		if res.Body != http.NoBody {
			resBody = tunnel.NewTeeReadCloser(res.Body, tunnel.PreviewSize)
			res.Body = resBody
		}

		err = res.Write(tun.Downstream.Writer)
		_ = res.Body.Close()
		if err != nil {
			return err
		}
		if err = tun.Downstream.Writer.Flush(); err != nil {
			return err
		}

		h.logger.Info("http exchange",
			slog.Group("req",
				slog.String("proto", req.Proto),
				slog.String("method", req.Method),
				slog.String("host", req.Host),
				slog.String("url", req.URL.String()),
				slog.Any("headers", req.Header),
				slog.String("body", reqBody.Preview()),
			),
			slog.Group("res",
				slog.String("status", res.Status),
				slog.Int("status_code", res.StatusCode),
				slog.Any("headers", res.Header),
				slog.String("body", resBody.Preview()),
			),
		)

		if res.StatusCode == http.StatusSwitchingProtocols {
			h.logger.Debug("protocol switched, bypassing", "upgrade", res.Header.Get("Upgrade"))
			return NewByPassHandler(h.logger).Handle(ctx, tun)
		}

		if req.Close || res.Close {
			return nil
		}
	}
}
