package polling

import (
	"bytes"
	"net/http"

	"github.com/taogames/pollio/transport"
)

var dataAck = []byte("ok")

func (p *Polling) onDataRequest(ch transport.Channel) error {
	if p.data != nil {
		return &transport.OverlapError{Kind: transport.KindData}
	}

	att := &attachment{kind: transport.KindData, ch: ch}
	p.data = att
	ch.OnData(func(chunk []byte) { p.onDataChunk(att, chunk) })
	ch.OnEnd(func() { p.onDataEnd(att) })
	ch.OnClose(func() { p.onDataClose(att) })
	return nil
}

func (p *Polling) onDataChunk(att *attachment, chunk []byte) {
	if p.data != att {
		return
	}
	p.chunks.Write(chunk)
}

func (p *Polling) onDataEnd(att *attachment) {
	if p.data != att {
		return
	}

	p.onData(p.chunks.Bytes())
	if p.data != att {
		// torn down while delivering
		return
	}

	// Content-Length stays the literal 2 of the "ok" body.
	header := http.Header{
		"Content-Type":     {"text/html"},
		"Content-Length":   {"2"},
		"X-XSS-Protection": {"0"},
	}
	if p.headers != nil {
		header = p.headers(att.ch.Request(), header)
	}

	res := att.ch.Response()
	res.WriteHead(http.StatusOK, "", header)
	res.End(dataAck)
	p.cleanupData()
}

func (p *Polling) onDataClose(att *attachment) {
	if p.data != att {
		return
	}
	p.cleanupData()
	p.onError(&transport.PrematureCloseError{Kind: transport.KindData})
}

func (p *Polling) cleanupData() {
	p.chunks = bytes.Buffer{}
	if p.data == nil {
		return
	}
	ch := p.data.ch
	ch.OnData(nil)
	ch.OnEnd(nil)
	ch.OnClose(nil)
	p.data = nil
}
