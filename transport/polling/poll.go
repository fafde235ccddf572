package polling

import (
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/transport"
)

func (p *Polling) onPollRequest(ch transport.Channel) error {
	if p.poll != nil {
		p.logger.Debug("request overlap")
		return &transport.OverlapError{Kind: transport.KindPoll}
	}

	att := &attachment{kind: transport.KindPoll, ch: ch}
	p.poll = att
	ch.OnClose(func() { p.onPollClose(att) })

	p.writable = true
	p.cb.OnDrain()

	// if we're still writable but had a pending close, trigger an empty send
	if p.writable && p.shouldClose != nil {
		p.logger.Debug("triggering empty send to append close packet")
		p.Send([]message.Packet{message.Noop()})
	}
	return nil
}

func (p *Polling) onPollClose(att *attachment) {
	if p.poll != att {
		return
	}
	// the channel is gone before anything was written to it
	p.writable = false
	p.onError(&transport.PrematureCloseError{Kind: transport.KindPoll})
	p.releasePoll()
}

// releasePoll detaches the poll channel. It leaves writable alone.
func (p *Polling) releasePoll() {
	if p.poll == nil {
		return
	}
	p.poll.ch.OnClose(nil)
	p.poll = nil
}
