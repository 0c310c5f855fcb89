package upstream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/translate"
)

// maxResponseBody caps buffered (non-streaming) upstream responses.
const maxResponseBody = 32 << 20

const maxSSELine = 64 * 1024

// newSSEScanner returns a scanner sized for SSE lines.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELine)
	return s
}

// parseSSELine splits one SSE line; ok=false for blanks and comments.
func parseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, val, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	return key, strings.TrimPrefix(val, " "), true
}

// respond relays a successful upstream response to the client, applying
// the response-side transform when the request was translated.
func (e *Executor) respond(ctx context.Context, w http.ResponseWriter, s *relay.ProxySession, resp *http.Response, tr translate.Transformer, translated bool) (*Result, error) {
	defer resp.Body.Close()

	streaming := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	res := &Result{StatusCode: resp.StatusCode}

	switch {
	case !translated && streaming:
		return res, e.passthroughStream(w, s, resp, res)
	case !translated:
		return res, e.passthroughBody(w, s, resp, res)
	case streaming && s.Stream:
		return res, e.transformStream(w, resp, tr, res)
	case streaming: // client asked for a buffered reply, upstream only streams
		return res, e.aggregateStream(w, s, resp, res)
	default:
		return res, e.transformBody(ctx, w, s, resp, tr, res)
	}
}

// copyResponseHeaders forwards upstream headers except hop-by-hop ones.
// Content-Length is dropped when the body will be rewritten.
func copyResponseHeaders(w http.ResponseWriter, src http.Header, rewritten bool) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		if rewritten && (key == "Content-Length" || key == "Content-Type" || key == "Content-Encoding") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
}

// passthroughStream relays an untranslated SSE stream with flush-on-event,
// sniffing usage out of the events for accounting.
func (e *Executor) passthroughStream(w http.ResponseWriter, s *relay.ProxySession, resp *http.Response, res *Result) error {
	copyResponseHeaders(w, resp.Header, false)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var event string
	sc := newSSEScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
		if line == "" && flusher != nil {
			flusher.Flush()
		}
		field, value, ok := parseSSELine(line)
		if !ok {
			event = ""
			continue
		}
		switch field {
		case "event":
			event = value
		case "data":
			if value == "[DONE]" {
				continue
			}
			res.Usage = translate.MergeStreamUsage(res.Usage,
				translate.UsageFromStreamEvent(s.OriginalFormat, event, value))
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return sc.Err()
}

// passthroughBody relays an untranslated buffered response.
func (e *Executor) passthroughBody(w http.ResponseWriter, s *relay.ProxySession, resp *http.Response, res *Result) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	res.Usage = translate.UsageFromResponse(s.OriginalFormat, body)

	copyResponseHeaders(w, resp.Header, false)
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(body)
	return err
}

// transformStream relays an SSE stream through the response transform,
// flushing per upstream event and letting Finish settle anything owed.
func (e *Executor) transformStream(w http.ResponseWriter, resp *http.Response, tr translate.Transformer, res *Result) error {
	copyResponseHeaders(w, resp.Header, true)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	st := translate.NewStreamState()
	var event string
	sc := newSSEScanner(resp.Body)
	for sc.Scan() {
		field, value, ok := parseSSELine(sc.Text())
		if !ok {
			event = ""
			continue
		}
		switch field {
		case "event":
			event = value
		case "data":
			if value == "[DONE]" {
				continue
			}
			if out := tr.Response.Stream(st, event, value); len(out) > 0 {
				if _, err := w.Write(out); err != nil {
					return err
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}

	if tr.Response.Finish != nil {
		if out := tr.Response.Finish(st); len(out) > 0 {
			if _, err := w.Write(out); err != nil {
				return err
			}
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	res.Usage = st.Usage
	return sc.Err()
}

// aggregateStream assembles a streamed upstream (Codex never sends
// buffered replies) into the single JSON body the client asked for. The
// stream is folded into Chat Completions chunks, aggregated, then
// converted to the client format.
func (e *Executor) aggregateStream(w http.ResponseWriter, s *relay.ProxySession, resp *http.Response, res *Result) error {
	toOpenAI, ok := translate.Lookup(relay.FormatOpenAI, s.Provider.Type.WireFormat())
	if !ok {
		// Upstream format has no Chat Completions mapping; nothing better
		// than relaying the raw stream.
		return e.passthroughStream(w, s, resp, res)
	}

	st := translate.NewStreamState()
	var chunks []byte
	var event string
	sc := newSSEScanner(resp.Body)
	for sc.Scan() {
		field, value, ok := parseSSELine(sc.Text())
		if !ok {
			event = ""
			continue
		}
		switch field {
		case "event":
			event = value
		case "data":
			if value != "[DONE]" {
				chunks = append(chunks, toOpenAI.Response.Stream(st, event, value)...)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if toOpenAI.Response.Finish != nil {
		chunks = append(chunks, toOpenAI.Response.Finish(st)...)
	}
	res.Usage = st.Usage

	body, err := translate.AggregateOpenAIChunks(chunks)
	if err != nil {
		return err
	}
	if s.OriginalFormat != relay.FormatOpenAI {
		back, ok := translate.Lookup(s.OriginalFormat, relay.FormatOpenAI)
		if ok && back.Response.NonStream != nil {
			if body, err = back.Response.NonStream(body); err != nil {
				return err
			}
		}
	}

	copyResponseHeaders(w, resp.Header, true)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	res.StatusCode = http.StatusOK
	_, err = w.Write(body)
	if err == nil && res.Usage == nil {
		res.Usage = translate.UsageFromResponse(s.OriginalFormat, body)
	}
	return err
}

// transformBody converts a buffered upstream response to the client format.
func (e *Executor) transformBody(ctx context.Context, w http.ResponseWriter, s *relay.ProxySession, resp *http.Response, tr translate.Transformer, res *Result) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	res.Usage = translate.UsageFromResponse(s.Provider.Type.WireFormat(), body)

	out := body
	if tr.Response.NonStream != nil {
		if out, err = tr.Response.NonStream(body); err != nil {
			slog.WarnContext(ctx, "response translation failed", slog.Any("error", err))
			out = body
		}
	}

	copyResponseHeaders(w, resp.Header, true)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(out)
	return err
}
