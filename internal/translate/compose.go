package translate

import (
	"bufio"
	"bytes"
	"strings"
)

// compose chains two registered transforms through the intermediate
// format: requests run first then second, responses run the second stage's
// transform and re-feed its output through the first stage's.
func compose(first, second pair) Transformer {
	a := registry[first]
	b := registry[second]

	t := Transformer{}
	if a.Request != nil && b.Request != nil {
		t.Request = func(body []byte) ([]byte, error) {
			mid, err := a.Request(body)
			if err != nil {
				return nil, err
			}
			return b.Request(mid)
		}
	}

	// Response path: upstream events enter the provider-side stage (b),
	// whose output is SSE in the intermediate format, then re-parsed into
	// the client-side stage (a).
	if b.Response.Stream != nil && a.Response.Stream != nil {
		t.Response.Stream = func(st *StreamState, event, data string) []byte {
			if st.inner == nil {
				st.inner = NewStreamState()
			}
			mid := b.Response.Stream(st.inner, event, data)
			out := replayEvents(a.Response.Stream, st, mid)
			if st.Usage == nil && st.inner.Usage != nil {
				st.Usage = st.inner.Usage
			}
			return out
		}
		t.Response.Finish = func(st *StreamState) []byte {
			var out []byte
			if st.inner != nil && b.Response.Finish != nil {
				out = replayEvents(a.Response.Stream, st, b.Response.Finish(st.inner))
				if st.Usage == nil && st.inner.Usage != nil {
					st.Usage = st.inner.Usage
				}
			}
			if a.Response.Finish != nil {
				out = append(out, a.Response.Finish(st)...)
			}
			return out
		}
	}
	if b.Response.NonStream != nil && a.Response.NonStream != nil {
		t.Response.NonStream = func(body []byte) ([]byte, error) {
			mid, err := b.Response.NonStream(body)
			if err != nil {
				return nil, err
			}
			return a.Response.NonStream(mid)
		}
	}
	return t
}

// replayEvents re-parses SSE-framed bytes produced by one stage and feeds
// each event into the next stage.
func replayEvents(next StreamFunc, st *StreamState, framed []byte) []byte {
	var out []byte
	forEachSSE(framed, func(event, data string) {
		out = append(out, next(st, event, data)...)
	})
	return out
}

// forEachSSE walks SSE-framed bytes and invokes fn per data event. The
// [DONE] sentinel is skipped; a Finish hook re-emits it when owed.
func forEachSSE(framed []byte, fn func(event, data string)) {
	if len(framed) == 0 {
		return
	}
	var event string
	sc := bufio.NewScanner(bytes.NewReader(framed))
	sc.Buffer(make([]byte, 4096), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				continue
			}
			fn(event, data)
		}
	}
}
