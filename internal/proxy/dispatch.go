package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/scriptgate/scriptgate/internal/correlate"
	"github.com/scriptgate/scriptgate/internal/shared/types"
	"github.com/scriptgate/scriptgate/internal/transport"
)

// ErrRedirectBlocked reports a 3xx response under the error redirect policy.
var ErrRedirectBlocked = errors.New("proxy: redirect blocked by policy")

// dispatchNative runs the plain mode: retrying primitive, own redirect
// following, fully buffered body.
func (e *Executor) dispatchNative(ctx context.Context, h *Handle, spec *RequestSpec, body []byte, bodyCT string, sink EventSink) (types.ProxyEvent, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, spec.Method, spec.URL, rawBody)
	if err != nil {
		return types.ProxyEvent{}, err
	}
	applyHeaders(req.Header, spec, bodyCT, e.clients.UserAgent())
	if spec.User != "" {
		req.SetBasicAuth(spec.User, spec.Password)
	}

	resp, err := e.clients.Native(spec.CookiePartition, spec.Anonymous).Do(req)
	if err != nil {
		return types.ProxyEvent{}, err
	}
	defer resp.Body.Close()

	meta := e.resolveMeta(h.markerID, resp.StatusCode, httpStatusText(resp),
		correlate.FormatHeaders(resp.Header), resp.Request.URL.String())
	return e.finishResponse(h, spec, meta, resp, "native", sink)
}

// dispatchStreaming runs the adapter mode: raw body access, explicit
// redirect policies, anonymous and fetch emulation.
func (e *Executor) dispatchStreaming(ctx context.Context, h *Handle, spec *RequestSpec, body []byte, bodyCT string, sink EventSink) (types.ProxyEvent, error) {
	client := e.clients.Streaming(spec.Redirect, spec.CookiePartition, spec.Anonymous)
	r := client.R().SetContext(ctx)
	if spec.User != "" {
		r.SetBasicAuth(spec.User, spec.Password)
	}
	if body != nil {
		r.SetBody(body)
	}
	applyHeaders(r.Header, spec, bodyCT, e.clients.UserAgent())

	restyResp, err := r.Execute(spec.Method, spec.URL)
	if err != nil {
		return types.ProxyEvent{}, err
	}
	resp := restyResp.RawResponse
	defer resp.Body.Close()

	meta := e.resolveMeta(h.markerID, resp.StatusCode, httpStatusText(resp),
		correlate.FormatHeaders(resp.Header), resp.Request.URL.String())

	if spec.Redirect != types.RedirectFollow {
		// Stopping at the first hop means the caller's URL is the final one.
		meta.FinalURL = spec.URL
		if spec.Redirect == types.RedirectError && resp.StatusCode >= 300 && resp.StatusCode < 400 {
			return meta, ErrRedirectBlocked
		}
	}
	return e.finishResponse(h, spec, meta, resp, "streaming", sink)
}

// finishResponse emits the headers-received state, delivers the payload and
// closes the success path with load.
func (e *Executor) finishResponse(h *Handle, spec *RequestSpec, meta types.ProxyEvent, resp *http.Response, mode string, sink EventSink) (types.ProxyEvent, error) {
	headersEv := meta
	headersEv.ReadyState = types.ReadyStateHeadersReceived
	sink.SendEvent(h.markerID, types.ActionReadyStateChange, &headersEv)

	kind, _ := spec.ResponseKind()
	contentType := spec.OverrideMime
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}

	loaded, err := e.deliverBody(h, kind, resp.Body, resp.ContentLength, contentType, meta, sink)
	if err != nil {
		return meta, err
	}
	if e.metrics != nil {
		e.metrics.ResponseBytes.WithLabelValues(mode).Observe(float64(loaded))
	}

	done := meta
	done.ReadyState = types.ReadyStateDone
	sink.SendEvent(h.markerID, types.ActionReadyStateChange, &done)
	sink.SendEvent(h.markerID, types.ActionLoad, &done)
	return meta, nil
}

// deliverBody reads the response body, emitting loading-state and progress
// events. Stream responses forward each read as an append chunk as it
// arrives; every other kind buffers and chunks after the read completes.
func (e *Executor) deliverBody(h *Handle, kind transport.Kind, r io.Reader, total int64, contentType string, meta types.ProxyEvent, sink EventSink) (int64, error) {
	marker := h.markerID
	streaming := kind == transport.KindStream
	if streaming {
		e.sendChunk(sink, marker, kind, transport.Chunk{Reset: true})
	}

	var buffered bytes.Buffer
	var loaded int64
	buf := make([]byte, 64<<10)
	first := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if first {
				first = false
				ev := meta
				ev.ReadyState = types.ReadyStateLoading
				sink.SendEvent(marker, types.ActionReadyStateChange, &ev)
			}
			loaded += int64(n)
			if streaming {
				e.sendChunk(sink, marker, kind, transport.Chunk{Data: base64.StdEncoding.EncodeToString(buf[:n])})
			} else {
				buffered.Write(buf[:n])
			}

			prog := meta
			prog.ReadyState = types.ReadyStateLoading
			prog.Loaded = loaded
			prog.Total = total
			prog.LengthComputable = total >= 0
			sink.SendEvent(marker, types.ActionProgress, &prog)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, err
		}
	}

	if !streaming {
		e.deliverBuffered(marker, kind, buffered.Bytes(), contentType, sink)
	}
	return loaded, nil
}

// deliverBuffered splits a complete payload into the chunk sequence for its
// kind: textual kinds split on characters after charset decoding, binary
// kinds on bytes.
func (e *Executor) deliverBuffered(marker string, kind transport.Kind, data []byte, contentType string, sink EventSink) {
	var chunks []transport.Chunk
	switch kind {
	case transport.KindText, transport.KindJSON, transport.KindDocument:
		chunks = transport.SplitText(transport.DecodeText(data, contentType), e.cfg.TextChunkChars)
	default:
		chunks = transport.SplitBinary(data, e.cfg.BinaryChunkBytes)
	}
	for _, ch := range chunks {
		e.sendChunk(sink, marker, kind, ch)
	}
}

func (e *Executor) sendChunk(sink EventSink, marker string, kind transport.Kind, ch transport.Chunk) {
	action := transport.AppendAction(kind)
	phase := "append"
	if ch.Reset {
		action = transport.ResetAction(kind)
		phase = "reset"
	}
	sink.SendChunk(marker, action, ch.Data)
	if e.metrics != nil {
		e.metrics.Chunks.WithLabelValues(string(kind), phase).Inc()
		e.metrics.ChunkBytes.WithLabelValues(string(kind)).Add(float64(len(ch.Data)))
	}
}

// applyHeaders copies caller headers onto the outgoing request. Unsafe
// headers go through the rule engine at the tap; setting them here too is
// harmless since the rule rewrite wins.
func applyHeaders(dst http.Header, spec *RequestSpec, bodyCT, userAgent string) {
	for name, value := range spec.Headers {
		dst.Set(name, value)
	}
	if dst.Get("User-Agent") == "" && userAgent != "" {
		dst.Set("User-Agent", userAgent)
	}
	if dst.Get("Content-Type") == "" && bodyCT != "" {
		dst.Set("Content-Type", bodyCT)
	}
}

func httpStatusText(resp *http.Response) string {
	status := resp.Status
	if i := strings.IndexByte(status, ' '); i >= 0 {
		return status[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}
