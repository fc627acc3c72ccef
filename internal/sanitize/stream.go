package sanitize

import (
	"bytes"
	"io"
)

// RestoringReader wraps an upstream response body and replaces placeholder
// tokens with their original values before the bytes reach the client. A
// token split across reads is held back until its closing bracket arrives.
type RestoringReader struct {
	src     io.Reader
	m       Mapping
	maxTok  int
	pending []byte // bytes read from src, not yet restored
	out     []byte // restored bytes not yet returned
	srcEOF  bool
}

// NewRestoringReader wraps src so that every placeholder known to m is
// replaced with its original. Originals are JSON-escaped because the stream
// carries JSON (SSE data lines). If m is empty src is returned unchanged.
func NewRestoringReader(src io.Reader, m Mapping) io.Reader {
	if len(m) == 0 {
		return src
	}
	maxTok := 0
	for _, tok := range m {
		if len(tok) > maxTok {
			maxTok = len(tok)
		}
	}
	return &RestoringReader{src: src, m: JSONEscaped(m), maxTok: maxTok}
}

// Read implements io.Reader.
func (r *RestoringReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.out) == 0 {
		if r.srcEOF {
			if len(r.pending) == 0 {
				return 0, io.EOF
			}
			r.flush(len(r.pending))
			break
		}

		tmp := make([]byte, max(len(p), 512))
		n, err := r.src.Read(tmp)
		r.pending = append(r.pending, tmp[:n]...)
		if err == io.EOF {
			r.srcEOF = true
			continue
		}
		if err != nil {
			return 0, err
		}
		r.flush(r.safeCut())
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// safeCut returns how many pending bytes can be restored now. A trailing
// '[' with no ']' after it may open a token that continues in the next read,
// so it is held back unless it is already too long to be one.
func (r *RestoringReader) safeCut() int {
	i := bytes.LastIndexByte(r.pending, '[')
	if i < 0 || bytes.IndexByte(r.pending[i:], ']') >= 0 {
		return len(r.pending)
	}
	if len(r.pending)-i >= r.maxTok {
		return len(r.pending)
	}
	return i
}

func (r *RestoringReader) flush(cut int) {
	if cut == 0 {
		return
	}
	restored, _ := Restore(string(r.pending[:cut]), r.m)
	r.out = append(r.out, restored...)
	r.pending = append(r.pending[:0:0], r.pending[cut:]...)
}
