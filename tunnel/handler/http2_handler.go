package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"

	"httpsniff/tunnel"
)

// Http2Handler serves prior-knowledge HTTP/2 (h2c) downstream and relays
// every stream over one cleartext HTTP/2 connection upstream.
type Http2Handler struct {
	logger *slog.Logger
}

func NewHttp2Handler(logger *slog.Logger) *Http2Handler {
	return &Http2Handler{
		logger: logger.With("context", "Http2Handler"),
	}
}

func (h *Http2Handler) Handle(ctx context.Context, tun *tunnel.Tunnel) error {
	logger := h.logger

	stop := context.AfterFunc(ctx, func() { _ = tun.Close() })
	defer stop()

	upstreamH2Transport := &http2.Transport{AllowHTTP: true}
	upstreamH2Conn, err := upstreamH2Transport.NewClientConn(tun.Upstream)
	if err != nil {
		return err
	}
	defer upstreamH2Conn.Close()

	h2Handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		outReq := req.Clone(req.Context())
		outReq.URL = &url.URL{
			Scheme:   "http",
			Host:     req.Host,
			Path:     req.URL.Path,
			RawPath:  req.URL.RawPath,
			RawQuery: req.URL.RawQuery,
		}
		outReq.RequestURI = ""

		var reqBody *tunnel.TeeReadCloser
		if outReq.Body != nil && outReq.Body != http.NoBody {
			reqBody = tunnel.NewTeeReadCloser(outReq.Body, tunnel.PreviewSize)
			outReq.Body = reqBody
		}

		slogReq := slog.Group("req",
			slog.String("method", req.Method),
			slog.String("host", req.Host),
			slog.String("url", req.URL.String()),
			slog.Any("headers", req.Header),
		)

		res, err := upstreamH2Conn.RoundTrip(outReq)
		if err != nil {
			logger.Warn("upstream roundtrip failed", slogReq, "error", err)
			http.Error(w, "upstream roundtrip error: "+err.Error(), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()

		for k, vv := range res.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		for k := range res.Trailer {
			w.Header().Add("Trailer", k)
		}

		w.WriteHeader(res.StatusCode)

		resBody := tunnel.NewTeeReadCloser(res.Body, tunnel.PreviewSize)
		if _, err := io.Copy(w, resBody); err != nil {
			logger.Debug("response body copy failed", "error", err)
			return
		}

		for k, vv := range res.Trailer {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}

		slogRes := slog.Group("res",
			slog.String("status", res.Status),
			slog.Int("status_code", res.StatusCode),
			slog.Any("headers", res.Header),
			slog.String("body", resBody.Preview()),
		)
		logger.Info("http exchange", slogReq, slog.String("req_body", reqBody.Preview()), slogRes)
	})

	downstreamH2Server := &http2.Server{}
	downstreamH2Server.ServeConn(tun.Downstream, &http2.ServeConnOpts{
		Context: ctx,
		Handler: h2Handler,
	})

	return nil
}
