package polling

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/parser"
	"github.com/taogames/pollio/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubResponse struct {
	status int
	header http.Header
	body   []byte
	ends   int
}

func (r *stubResponse) WriteHead(status int, reason string, header http.Header) {
	r.status = status
	r.header = header
}

func (r *stubResponse) End(body []byte) {
	r.body = body
	r.ends++
}

type stubChannel struct {
	req *http.Request
	res stubResponse

	onClose func()
	onData  func([]byte)
	onEnd   func()

	destroyed int
}

func newStubChannel(method string) *stubChannel {
	return &stubChannel{req: httptest.NewRequest(method, "/engine.io/?EIO=4&transport=polling&sid=x", nil)}
}

func (c *stubChannel) Request() *http.Request { return c.req }
func (c *stubChannel) Response() transport.Response { return &c.res }
func (c *stubChannel) OnClose(fn func()) { c.onClose = fn }
func (c *stubChannel) OnData(fn func(chunk []byte)) { c.onData = fn }
func (c *stubChannel) OnEnd(fn func()) { c.onEnd = fn }
func (c *stubChannel) Destroy() { c.destroyed++ }
func (c *stubChannel) attached() bool { return c.onClose != nil }
func (c *stubChannel) answered() bool { return c.res.ends > 0 }
func (c *stubChannel) bodyString() string { return string(c.res.body) }
func (c *stubChannel) statusIs(status int) bool { return c.res.status == status }

// stubCodec records its arguments and encodes with the v4 codec.
type stubCodec struct {
	decodeArgs [][]byte
	decoded    []message.Packet
	decodeErr  error

	encodeArgs  [][]message.Packet
	binaryFlags []bool
}

func (c *stubCodec) DecodePayload(data []byte) ([]message.Packet, error) {
	c.decodeArgs = append(c.decodeArgs, append([]byte(nil), data...))
	return c.decoded, c.decodeErr
}

func (c *stubCodec) EncodePayload(packets []message.Packet, supportsBinary bool) []byte {
	c.encodeArgs = append(c.encodeArgs, append([]message.Packet(nil), packets...))
	c.binaryFlags = append(c.binaryFlags, supportsBinary)
	return parser.V4{}.EncodePayload(packets, supportsBinary)
}

type recorder struct {
	packets []message.Packet
	drains  int
	errs    []error
	closes  int

	onDrain func()
}

func (r *recorder) OnPacket(p message.Packet) { r.packets = append(r.packets, p) }
func (r *recorder) OnError(err error) { r.errs = append(r.errs, err) }
func (r *recorder) OnClose() { r.closes++ }

func (r *recorder) OnDrain() {
	r.drains++
	if r.onDrain != nil {
		r.onDrain()
	}
}

type fixture struct {
	p     *Polling
	codec *stubCodec
	rec   *recorder
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		codec: &stubCodec{},
		rec:   &recorder{},
		logs:  logs,
	}
	f.p = New(f.rec, &transport.Config{
		Codec:          f.codec,
		SupportsBinary: true,
		Logger:         zap.New(core).Sugar(),
	})
	return f
}

func (f *fixture) poll() *stubChannel {
	ch := newStubChannel(http.MethodGet)
	f.p.OnRequest(ch)
	return ch
}

func (f *fixture) post() *stubChannel {
	ch := newStubChannel(http.MethodPost)
	f.p.OnRequest(ch)
	return ch
}

func packetTypes(packets []message.Packet) []message.PacketType {
	out := make([]message.PacketType, len(packets))
	for i, p := range packets {
		out[i] = p.Type
	}
	return out
}

func sameTypes(got []message.Packet, want ...message.PacketType) bool {
	types := packetTypes(got)
	if len(types) != len(want) {
		return false
	}
	for i := range want {
		if types[i] != want[i] {
			return false
		}
	}
	return true
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	ch := newStubChannel(http.MethodPut)
	f.p.OnRequest(ch)

	if !ch.statusIs(http.StatusInternalServerError) || !ch.answered() || len(ch.res.body) != 0 {
		t.Fatalf("PUT answered %d %q", ch.res.status, ch.res.body)
	}
	if f.p.Writable() || f.p.poll != nil || f.p.data != nil || len(f.rec.errs) != 0 {
		t.Fatalf("PUT changed state")
	}
}

func TestPollOverlapKeepsExistingChannel(t *testing.T) {
	f := newFixture(t)
	first := f.poll()
	if !f.p.Writable() {
		t.Fatalf("not writable after poll")
	}

	second := f.poll()
	if !second.statusIs(http.StatusInternalServerError) || !second.answered() {
		t.Fatalf("overlapping poll answered %d", second.res.status)
	}
	if f.p.poll == nil || f.p.poll.ch != first || !first.attached() || first.answered() {
		t.Fatalf("original poll channel was disturbed")
	}
	if !f.p.Writable() {
		t.Fatalf("writable changed by overlap")
	}

	var overlap *transport.OverlapError
	if len(f.rec.errs) != 1 || !errors.As(f.rec.errs[0], &overlap) || overlap.Kind != transport.KindPoll {
		t.Fatalf("errors = %v", f.rec.errs)
	}
	if f.rec.errs[0].Error() != "overlap from client" {
		t.Errorf("message = %q", f.rec.errs[0])
	}
	if n := f.logs.FilterMessage("transport error").FilterLevelExact(zapcore.WarnLevel).Len(); n != 1 {
		t.Errorf("logged %d transport errors", n)
	}
}

func TestWritableRoundTrip(t *testing.T) {
	f := newFixture(t)
	if f.p.Writable() {
		t.Fatalf("writable before any poll")
	}

	ch := f.poll()
	if !f.p.Writable() || f.rec.drains != 1 {
		t.Fatalf("writable=%v drains=%d after poll", f.p.Writable(), f.rec.drains)
	}

	f.p.Send([]message.Packet{message.NewPacket(message.PTMessage, []byte("hi"))})
	if f.p.Writable() {
		t.Fatalf("still writable after send")
	}
	if ch.attached() || f.p.poll != nil {
		t.Fatalf("poll channel not released after write")
	}
	if !ch.statusIs(http.StatusOK) || ch.bodyString() != "4hi" {
		t.Fatalf("poll answered %d %q", ch.res.status, ch.res.body)
	}
	if got := ch.res.header.Get("Content-Type"); got != "text/plain; charset=UTF-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := ch.res.header.Get("Content-Length"); got != "3" {
		t.Errorf("Content-Length = %q", got)
	}
	if len(f.codec.binaryFlags) != 1 || !f.codec.binaryFlags[0] {
		t.Errorf("supportsBinary not passed to codec: %v", f.codec.binaryFlags)
	}

	f.poll()
	if !f.p.Writable() || f.rec.drains != 2 {
		t.Fatalf("writable=%v drains=%d after second poll", f.p.Writable(), f.rec.drains)
	}
}

func TestWriteWithoutChannelPanics(t *testing.T) {
	f := newFixture(t)
	defer func() {
		r := recover()
		if r != transport.ErrWriteWithoutChannel {
			t.Fatalf("recovered %v", r)
		}
	}()
	f.p.Send([]message.Packet{message.Noop()})
	t.Fatalf("send without poll channel did not panic")
}

func TestDeferredCloseFlushesOnNextPoll(t *testing.T) {
	f := newFixture(t)
	closed := 0
	f.p.Close(func() { closed++ })

	if f.p.shouldClose == nil || closed != 0 || len(f.codec.encodeArgs) != 0 {
		t.Fatalf("close was not deferred")
	}

	ch := f.poll()
	if len(f.codec.encodeArgs) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.codec.encodeArgs))
	}
	if !sameTypes(f.codec.encodeArgs[0], message.PTNoop, message.PTClose) {
		t.Fatalf("sent %v, want [noop close]", packetTypes(f.codec.encodeArgs[0]))
	}
	if closed != 1 || f.p.shouldClose != nil {
		t.Fatalf("close callback fired %d times", closed)
	}
	if ch.bodyString() != "6\x1e1" || ch.attached() {
		t.Fatalf("poll answered %q attached=%v", ch.res.body, ch.attached())
	}
	if f.logs.FilterMessage("triggering empty send to append close packet").Len() != 1 {
		t.Errorf("missing empty send diagnostic")
	}

	// a second Close sends nothing but still reports completion
	f.p.Close(func() { closed++ })
	f.poll()
	if closed != 2 || len(f.codec.encodeArgs) != 1 {
		t.Fatalf("second close: closed=%d sends=%d", closed, len(f.codec.encodeArgs))
	}
}

func TestDeferredCloseYieldsToDrainSend(t *testing.T) {
	f := newFixture(t)
	closed := 0
	f.p.Close(func() { closed++ })

	data := message.NewPacket(message.PTMessage, []byte("queued"))
	f.rec.onDrain = func() { f.p.Send([]message.Packet{data}) }
	f.poll()

	if len(f.codec.encodeArgs) != 1 || !sameTypes(f.codec.encodeArgs[0], message.PTMessage, message.PTClose) {
		t.Fatalf("sends = %v", f.codec.encodeArgs)
	}
	if closed != 1 {
		t.Fatalf("close callback fired %d times", closed)
	}
}

func TestCloseWhileWritableIsImmediate(t *testing.T) {
	f := newFixture(t)
	ch := f.poll()
	closed := 0
	f.p.Close(func() { closed++ })

	if closed != 1 || f.p.shouldClose != nil {
		t.Fatalf("close not immediate")
	}
	if len(f.codec.encodeArgs) != 1 || !sameTypes(f.codec.encodeArgs[0], message.PTClose) {
		t.Fatalf("sends = %v", f.codec.encodeArgs)
	}
	if ch.bodyString() != "1" {
		t.Fatalf("poll answered %q", ch.res.body)
	}
}

func TestCloseDestroysDataChannel(t *testing.T) {
	f := newFixture(t)
	data := f.post()
	f.p.Close(nil)

	if data.destroyed != 1 {
		t.Fatalf("data channel destroyed %d times", data.destroyed)
	}
	// the HTTP layer reports the destroyed connection as closed
	data.onClose()
	if f.p.data != nil || data.attached() {
		t.Fatalf("data channel still attached")
	}
}

func TestSendAppendsPendingClose(t *testing.T) {
	f := newFixture(t)
	closed := 0
	f.p.Close(func() { closed++ })

	// attach without triggering the empty send
	f.rec.onDrain = func() {}
	ch := newStubChannel(http.MethodGet)
	f.p.poll = &attachment{kind: transport.KindPoll, ch: ch}
	f.p.writable = true

	dataPacket := message.NewPacket(message.PTMessage, []byte("x"))
	in := []message.Packet{dataPacket}
	f.p.Send(in)

	if len(f.codec.encodeArgs) != 1 || !sameTypes(f.codec.encodeArgs[0], message.PTMessage, message.PTClose) {
		t.Fatalf("codec got %v", f.codec.encodeArgs)
	}
	if !bytes.Equal(f.codec.encodeArgs[0][0].Data, []byte("x")) {
		t.Errorf("data packet changed")
	}
	if closed != 1 || f.p.shouldClose != nil {
		t.Fatalf("closed=%d shouldClose set=%v", closed, f.p.shouldClose != nil)
	}
	if len(in) != 1 {
		t.Errorf("caller slice modified")
	}
	if f.logs.FilterMessage("appending close packet to payload").Len() != 1 {
		t.Errorf("missing append diagnostic")
	}
}

func TestDataChunksDecodedAsOneBuffer(t *testing.T) {
	f := newFixture(t)
	f.codec.decoded = []message.Packet{message.NewPacket(message.PTMessage, []byte("hello"))}

	ch := f.post()
	ch.onData([]byte("4hel"))
	ch.onData([]byte("lo"))
	if len(f.codec.decodeArgs) != 0 {
		t.Fatalf("decoded before end of body")
	}
	ch.onEnd()

	if len(f.codec.decodeArgs) != 1 || string(f.codec.decodeArgs[0]) != "4hello" {
		t.Fatalf("decode args = %q", f.codec.decodeArgs)
	}
	if len(f.rec.packets) != 1 || string(f.rec.packets[0].Data) != "hello" {
		t.Fatalf("delivered %v", f.rec.packets)
	}

	if !ch.statusIs(http.StatusOK) || ch.bodyString() != "ok" {
		t.Fatalf("data answered %d %q", ch.res.status, ch.res.body)
	}
	want := map[string]string{"Content-Type": "text/html", "Content-Length": "2", "X-XSS-Protection": "0"}
	for k, v := range want {
		if got := ch.res.header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if f.p.data != nil || ch.attached() || f.p.chunks.Len() != 0 {
		t.Fatalf("data channel not cleaned up")
	}
}

func TestDataHeadersHook(t *testing.T) {
	f := newFixture(t)
	f.codec.decoded = []message.Packet{message.NewPacket(message.PTMessage, nil)}
	var hookReq *http.Request
	f.p.headers = func(r *http.Request, base http.Header) http.Header {
		hookReq = r
		base.Set("Access-Control-Allow-Origin", "*")
		return base
	}

	ch := f.post()
	ch.onData([]byte("4"))
	ch.onEnd()

	if hookReq != ch.req {
		t.Fatalf("hook got another request")
	}
	if ch.res.header.Get("Access-Control-Allow-Origin") != "*" || ch.res.header.Get("Content-Length") != "2" {
		t.Fatalf("headers = %v", ch.res.header)
	}

	// the hook is not applied to poll responses
	poll := f.poll()
	f.p.Send([]message.Packet{message.Noop()})
	if poll.res.header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("hook applied to poll response")
	}
}

func TestDataOverlapKeepsExistingChannel(t *testing.T) {
	f := newFixture(t)
	first := f.post()
	first.onData([]byte("4a"))

	second := f.post()
	if !second.statusIs(http.StatusInternalServerError) || !second.answered() {
		t.Fatalf("overlapping post answered %d", second.res.status)
	}
	if f.p.data == nil || f.p.data.ch != first || f.p.chunks.String() != "4a" {
		t.Fatalf("original data channel disturbed")
	}
	if len(f.rec.errs) != 1 || f.rec.errs[0].Error() != "data request overlap from client" {
		t.Fatalf("errors = %v", f.rec.errs)
	}
}

func TestDataPrematureCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	ch := f.post()
	ch.onData([]byte("4partial"))
	onClose := ch.onClose

	onClose()
	if f.p.chunks.Len() != 0 || f.p.data != nil || ch.attached() {
		t.Fatalf("premature close did not clean up")
	}
	var premature *transport.PrematureCloseError
	if len(f.rec.errs) != 1 || !errors.As(f.rec.errs[0], &premature) || premature.Kind != transport.KindData {
		t.Fatalf("errors = %v", f.rec.errs)
	}

	onClose()
	f.p.cleanupData()
	if len(f.rec.errs) != 1 || len(f.codec.decodeArgs) != 0 || len(f.rec.packets) != 0 {
		t.Fatalf("second cleanup acted: errs=%v", f.rec.errs)
	}

	// a fresh data request works after the teardown
	f.codec.decoded = []message.Packet{message.NewPacket(message.PTMessage, []byte("b"))}
	next := f.post()
	next.onData([]byte("4b"))
	next.onEnd()
	if len(f.codec.decodeArgs) != 1 || string(f.codec.decodeArgs[0]) != "4b" {
		t.Fatalf("decode args = %q", f.codec.decodeArgs)
	}
}

func TestStaleDataCallbacksIgnored(t *testing.T) {
	f := newFixture(t)
	f.codec.decoded = []message.Packet{message.NewPacket(message.PTMessage, nil)}
	ch := f.post()
	onData, onEnd := ch.onData, ch.onEnd
	onData([]byte("4"))
	onEnd()

	next := f.post()
	onData([]byte("stale"))
	onEnd()
	if f.p.data == nil || f.p.data.ch != next || f.p.chunks.Len() != 0 || len(f.codec.decodeArgs) != 1 {
		t.Fatalf("stale callbacks changed state")
	}
}

func TestPollPrematureClose(t *testing.T) {
	f := newFixture(t)
	ch := f.poll()
	onClose := ch.onClose
	onClose()

	if f.p.poll != nil || ch.attached() || f.p.Writable() {
		t.Fatalf("poll channel still attached")
	}
	if len(f.rec.errs) != 1 || f.rec.errs[0].Error() != "poll connection closed prematurely" {
		t.Fatalf("errors = %v", f.rec.errs)
	}

	onClose()
	f.p.releasePoll()
	if len(f.rec.errs) != 1 {
		t.Fatalf("second close reported again")
	}
	if f.p.state != stateOpen || f.rec.closes != 0 {
		t.Fatalf("premature close closed the transport")
	}
}

func TestClosePacketRoutesToShutdown(t *testing.T) {
	f := newFixture(t)
	poll := f.poll()
	f.codec.decoded = []message.Packet{message.Close()}

	ch := f.post()
	ch.onData([]byte("1"))
	ch.onEnd()

	if len(f.rec.packets) != 0 {
		t.Fatalf("close packet delivered upward: %v", f.rec.packets)
	}
	if f.rec.closes != 1 || f.p.state != stateClosed {
		t.Fatalf("closes=%d state=%v", f.rec.closes, f.p.state)
	}
	// the pending poll is released with a noop, not another close
	if poll.bodyString() != "6" {
		t.Fatalf("poll answered %q", poll.res.body)
	}
	if ch.bodyString() != "ok" {
		t.Fatalf("data answered %q", ch.res.body)
	}

	// later closes send nothing and complete at once
	closed := 0
	f.p.Close(func() { closed++ })
	f.p.onClose()
	if f.rec.closes != 1 || closed != 1 || len(f.codec.encodeArgs) != 1 {
		t.Fatalf("closes=%d closed=%d sends=%d", f.rec.closes, closed, len(f.codec.encodeArgs))
	}
}

func TestClientCloseRunsDeferredClose(t *testing.T) {
	f := newFixture(t)
	closed := 0
	f.p.Close(func() { closed++ })
	f.p.Close(func() { closed++ })
	if closed != 0 || f.p.shouldClose == nil {
		t.Fatalf("close was not deferred")
	}

	f.codec.decoded = []message.Packet{message.Close()}
	ch := f.post()
	ch.onData([]byte("1"))
	ch.onEnd()

	if closed != 2 || f.p.shouldClose != nil {
		t.Fatalf("close callbacks fired %d times", closed)
	}
	if f.rec.closes != 1 || f.p.state != stateClosed || len(f.codec.encodeArgs) != 0 {
		t.Fatalf("closes=%d state=%v sends=%d", f.rec.closes, f.p.state, len(f.codec.encodeArgs))
	}

	// no poll will ever carry the close packet now
	f.poll()
	if closed != 2 || len(f.codec.encodeArgs) != 0 {
		t.Fatalf("closed=%d sends=%d after transport close", closed, len(f.codec.encodeArgs))
	}
}

func TestMultiplePacketsDeliveredInOrder(t *testing.T) {
	f := newFixture(t)
	f.codec.decoded = []message.Packet{
		message.NewPacket(message.PTMessage, []byte("a")),
		message.Close(),
		message.NewPacket(message.PTMessage, []byte("b")),
	}
	ch := f.post()
	ch.onData([]byte("payload"))
	ch.onEnd()

	if !sameTypes(f.rec.packets, message.PTMessage, message.PTClose, message.PTMessage) {
		t.Fatalf("delivered %v", packetTypes(f.rec.packets))
	}
	if string(f.rec.packets[0].Data) != "a" || string(f.rec.packets[2].Data) != "b" {
		t.Fatalf("order lost")
	}
	if f.rec.closes != 0 {
		t.Fatalf("mixed payload closed the transport")
	}
}

func TestParseErrorReported(t *testing.T) {
	f := newFixture(t)
	f.codec.decodeErr = parser.ErrInvalidPayload
	ch := f.post()
	ch.onData([]byte("garbage"))
	ch.onEnd()

	var perr *transport.ParseError
	if len(f.rec.errs) != 1 || !errors.As(f.rec.errs[0], &perr) || errors.Cause(perr) != parser.ErrInvalidPayload {
		t.Fatalf("errors = %v", f.rec.errs)
	}
	if ch.bodyString() != "ok" || f.p.data != nil {
		t.Fatalf("data channel not answered")
	}
}

func TestBinaryPayloadContentType(t *testing.T) {
	f := newFixture(t)
	f.p.codec = parser.V3{}
	ch := f.poll()
	f.p.Send([]message.Packet{{Type: message.PTMessage, MT: message.MTBinary, Data: []byte{1}}})

	if got := ch.res.header.Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
}
