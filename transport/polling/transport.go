package polling

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/transport"
)

type Transport struct {
}

var _ transport.Transport = (*Transport)(nil)

var Default = &Transport{}

func (t *Transport) Name() string {
	return "polling"
}

func (t *Transport) Accept(r *http.Request, cb transport.Callback, conf *transport.Config) (transport.Conn, error) {
	if conf == nil || conf.Codec == nil {
		return nil, errors.New("polling: no payload codec")
	}
	if cb == nil {
		return nil, errors.New("polling: no callback")
	}
	return newServerConn(cb, conf), nil
}
