package client

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabtext/protocol"
)

var (
	ErrDocumentClosed = errors.New("document closed")
	ErrQueueNotEmpty  = errors.New("document has unacknowledged operations")
)

// Transport is the part of a Connection a Document uses.
// SendMessage must not deliver replies synchronously.
type Transport interface {
	IsConnected() bool
	SendMessage(msg *protocol.DocumentMessage) error
	On(msgType string, listener Listener) *Subscription
}

type DocState int

const (
	DocUninitialized DocState = iota
	DocFetching
	DocSynced
	DocError
)

func (s DocState) String() string {
	switch s {
	case DocFetching:
		return "fetching"
	case DocSynced:
		return "synced"
	case DocError:
		return "error"
	default:
		return "uninitialized"
	}
}

type DocumentSettings struct {
	// subscribe as soon as the first fetch completes
	AutoSubscribe bool
	// deadline for fetch and op round trips. Zero waits forever.
	RequestTimeout time.Duration
	// rebase queued and rejected local operations over remote operations
	// instead of dropping rejected ones and refetching
	Transform bool
}

func DefaultDocumentSettings() *DocumentSettings {
	return &DocumentSettings{
		AutoSubscribe:  true,
		RequestTimeout: 15 * time.Second,
	}
}

// DocumentObserver receives document events. Callbacks run outside the
// document lock, on the goroutine that caused the event. Nil callbacks are skipped.
type DocumentObserver struct {
	// content or version of the mirror changed
	OnChange func(content string, version int)
	// a local operation was acknowledged
	OnAck func(op protocol.Operation, version int)
	// a local operation will not be applied
	OnRejected func(op protocol.Operation, reason string)
	OnError    func(err string)
	OnHistory  func(fromVersion int, ops []protocol.Operation)
	// cursor of another connection
	OnRemoteCursor func(msg *protocol.DocumentMessage)
	OnPresence     func(presence map[string]protocol.PresenceEntry)
}

type DocumentSnapshot struct {
	Collection string
	DocID      string
	State      DocState
	Content    string
	Version    int
	Subscribed bool
	Err        string
	InFlight   bool
	Pending    int
}

var documentReplies = []string{
	protocol.TypeFetchResponse,
	protocol.TypeFetchError,
	protocol.TypeSubscribed,
	protocol.TypeSubscribeError,
	protocol.TypeUnsubscribed,
	protocol.TypeOpAck,
	protocol.TypeOpError,
	protocol.TypeRemoteOp,
	protocol.TypeHistoryResponse,
	protocol.TypeHistoryError,
	protocol.TypeCursorError,
	protocol.TypeRemoteCursor,
	protocol.TypePresenceResponse,
}

// Document mirrors one (collection, doc_id) of the store. Local operations are
// pipelined: at most one is unacknowledged, the rest wait in a queue and are
// stamped with the version known when they are first transmitted.
//
// A transmission carries an operation id that the store echoes in op-ack and
// op-error and keeps in the history. A requeued operation keeps its id and the
// version it was sent against. When the mirror has moved past that version,
// the history after it tells whether the store applied the operation, and
// replies to earlier transmissions are dropped.
type Document struct {
	collection string
	docId      string
	transport  Transport
	settings   *DocumentSettings
	observer   DocumentObserver
	subs       []*Subscription

	afterFunc func(time.Duration, func()) timer

	mu         sync.Mutex
	closed     bool
	state      DocState
	content    string
	version    int
	subscribed bool
	err        string
	// remote operations received before the first fetch completed
	early []protocol.Operation

	inFlight *protocol.Operation
	// inFlight rebased over remote operations applied since it was sent
	rebased *protocol.Operation
	pending []protocol.Operation
	// waiting for the history after resolveFrom to settle the head of the
	// queue. Nothing is transmitted meanwhile.
	resolving   bool
	resolveFrom int
	// set when the store refused the head
	resolveReason string
	// the head was rebased over remote operations before it was refused
	resolveRebased bool
	// id of the last transmission, how often it was sent, and the id of the
	// last acknowledged operation
	lastSent string
	sends    int
	lastAck  string

	fetchSeq   uint64
	fetchTimer timer
	opSeq      uint64
	opTimer    timer
}

func NewDocument(
	transport Transport,
	collection string,
	docId string,
	settings *DocumentSettings,
	observer DocumentObserver,
) *Document {
	d := &Document{
		collection: collection,
		docId:      docId,
		transport:  transport,
		settings:   settings,
		observer:   observer,
		afterFunc:  afterFunc,
	}
	for _, msgType := range documentReplies {
		d.subs = append(d.subs, transport.On(msgType, d.handle))
	}
	return d
}

func (d *Document) Collection() string {
	return d.collection
}

func (d *Document) DocID() string {
	return d.docId
}

func (d *Document) Key() string {
	return protocol.Key(d.collection, d.docId)
}

func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

func (d *Document) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *Document) Snapshot() DocumentSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DocumentSnapshot{
		Collection: d.collection,
		DocID:      d.docId,
		State:      d.state,
		Content:    d.content,
		Version:    d.version,
		Subscribed: d.subscribed,
		Err:        d.err,
		InFlight:   d.inFlight != nil,
		Pending:    len(d.pending),
	}
}

// notes collects observer calls made while the lock is held.
type notes []func()

func (n *notes) add(f func()) {
	*n = append(*n, f)
}

func (d *Document) update(fn func(n *notes) error) error {
	var n notes
	d.mu.Lock()
	err := fn(&n)
	d.mu.Unlock()
	for _, f := range n {
		f()
	}
	return err
}

func (d *Document) message(msgType string) *protocol.DocumentMessage {
	return &protocol.DocumentMessage{Type: msgType, Collection: d.collection, DocID: d.docId}
}

// Fetch requests the current content and version. It does nothing when the
// connection is not open.
func (d *Document) Fetch() error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		return d.fetchLocked(n)
	})
}

func (d *Document) fetchLocked(n *notes) error {
	if !d.transport.IsConnected() {
		return nil
	}
	if err := d.sendLocked(d.message(protocol.TypeFetch), n); err != nil {
		return err
	}
	d.state = DocFetching
	d.fetchSeq += 1
	seq := d.fetchSeq
	d.stopTimer(&d.fetchTimer)
	if 0 < d.settings.RequestTimeout {
		d.fetchTimer = d.afterFunc(d.settings.RequestTimeout, func() { d.fetchTimedOut(seq) })
	}
	return nil
}

func (d *Document) fetchTimedOut(seq uint64) {
	d.update(func(n *notes) error {
		if d.closed || seq != d.fetchSeq || d.state != DocFetching {
			return nil
		}
		glog.Infof("[doc]%s fetch timed out\n", d.Key())
		d.fetchTimer = nil
		d.state = DocError
		d.setErrorLocked("fetch timed out", n)
		return nil
	})
}

// Subscribe asks the store to push remote operations. It is a no-op when
// already subscribed or not connected. The document counts as subscribed as
// soon as the request is written.
func (d *Document) Subscribe() error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		return d.subscribeLocked(n)
	})
}

func (d *Document) subscribeLocked(n *notes) error {
	if d.subscribed || !d.transport.IsConnected() {
		return nil
	}
	if err := d.sendLocked(d.message(protocol.TypeSubscribe), n); err != nil {
		return err
	}
	d.subscribed = true
	return nil
}

// Unsubscribe stops the push of remote operations. Local operations stay
// queued and in flight and are still acknowledged; Close takes them back.
func (d *Document) Unsubscribe() error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		return d.unsubscribeLocked(n)
	})
}

func (d *Document) unsubscribeLocked(n *notes) error {
	if !d.subscribed {
		return nil
	}
	d.subscribed = false
	if !d.transport.IsConnected() {
		return nil
	}
	return d.sendLocked(d.message(protocol.TypeUnsubscribe), n)
}

// SendOperation submits a local edit. When the connection is not open the
// operation is queued and ErrNotConnected returned. Otherwise it is
// transmitted, or queued behind the unacknowledged one, and nil returned;
// nil does not mean acknowledged.
func (d *Document) SendOperation(kind protocol.Kind, position int, content *string) error {
	op := protocol.Operation{Kind: kind, Position: position, Content: content}
	if err := op.Validate(); err != nil {
		return err
	}
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		op.Version = d.version
		d.pending = append(d.pending, op)
		if !d.transport.IsConnected() {
			glog.V(1).Infof("[doc]%s offline, queued %s (%d pending)\n", d.Key(), op, len(d.pending))
			return ErrNotConnected
		}
		return d.flushLocked(n)
	})
}

// Restore queues operations that Close returned for an earlier document, in
// order. They keep the version they were written against and, when they were
// transmitted before, their id, so the history decides which of them the store
// already applied. It fails with ErrQueueNotEmpty once local operations exist.
func (d *Document) Restore(ops []protocol.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		if d.inFlight != nil || d.resolving || 0 < len(d.pending) {
			return ErrQueueNotEmpty
		}
		d.pending = append([]protocol.Operation(nil), ops...)
		if 0 < len(ops) && ops[0].ID != "" {
			d.lastSent = ops[0].ID
			d.sends = 1
		}
		if !d.transport.IsConnected() {
			return ErrNotConnected
		}
		return d.flushLocked(n)
	})
}

// Insert is SendOperation for an insert of text at position.
func (d *Document) Insert(position int, text string) error {
	return d.SendOperation(protocol.Insert, position, protocol.Text(text))
}

// Delete is SendOperation for removing text at position. An empty text
// removes one character.
func (d *Document) Delete(position int, text string) error {
	op := protocol.NewDelete(position, text)
	return d.SendOperation(op.Kind, op.Position, op.Content)
}

// Flush transmits the head of the queue if nothing is in flight.
func (d *Document) Flush() error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		return d.flushLocked(n)
	})
}

func (d *Document) flushLocked(n *notes) error {
	for {
		if d.inFlight != nil || d.resolving || len(d.pending) == 0 {
			return nil
		}
		if !d.transport.IsConnected() {
			return ErrNotConnected
		}
		op := d.pending[0]
		if op.IsNoop() {
			d.pending = d.pending[1:]
			continue
		}
		// a transmitted operation may have been applied, and a rebased
		// queue must see what it missed
		if op.Version < d.version && (op.ID != "" || d.settings.Transform) {
			return d.resolveLocked("", false, n)
		}
		if op.ID == "" {
			op.ID = uuid.NewString()
			op.Version = d.version
		}
		msg := d.message(protocol.TypeOp)
		msg.Operation = &op
		if err := d.transport.SendMessage(msg); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return err
			}
			// send failures are not retried
			d.pending = d.pending[1:]
			reason := err.Error()
			d.setErrorLocked(reason, n)
			d.rejectLocked(op, reason, n)
			return err
		}
		d.pending = d.pending[1:]
		d.inFlight = &op
		d.rebased = nil
		if op.ID == d.lastSent {
			d.sends += 1
		} else {
			d.lastSent = op.ID
			d.sends = 1
		}
		d.opSeq += 1
		seq := d.opSeq
		d.stopTimer(&d.opTimer)
		if 0 < d.settings.RequestTimeout {
			d.opTimer = d.afterFunc(d.settings.RequestTimeout, func() { d.opTimedOut(seq) })
		}
		return nil
	}
}

func (d *Document) opTimedOut(seq uint64) {
	d.update(func(n *notes) error {
		if d.closed || seq != d.opSeq || d.inFlight == nil {
			return nil
		}
		glog.Infof("[doc]%s operation %s timed out\n", d.Key(), *d.inFlight)
		d.opTimer = nil
		d.requeueInFlightLocked()
		d.setErrorLocked("operation timed out", n)
		d.flushLocked(n)
		return nil
	})
}

// requeueInFlightLocked puts the unacknowledged operation back at the head of
// the queue with its id and version. A flight rebased over remote operations
// can no longer be applied as sent, so it goes back as a new operation against
// the mirror.
func (d *Document) requeueInFlightLocked() {
	if d.inFlight == nil {
		return
	}
	op := d.flightLocked()
	if d.rebased != nil {
		op.ID = ""
		op.Version = d.version
	}
	d.inFlight = nil
	d.rebased = nil
	d.stopTimer(&d.opTimer)
	if !op.IsNoop() {
		d.pending = append([]protocol.Operation{op}, d.pending...)
	}
}

func (d *Document) flightLocked() protocol.Operation {
	if d.rebased != nil {
		return *d.rebased
	}
	return *d.inFlight
}

// resolveLocked asks for the history after the version the head of the queue
// was written against. reason is set when the store refused the head.
func (d *Document) resolveLocked(reason string, rebased bool, n *notes) error {
	from := d.pending[0].Version
	msg := d.message(protocol.TypeHistory)
	msg.FromVersion = protocol.Int(from)
	if err := d.sendLocked(msg, n); err != nil {
		return err
	}
	glog.V(1).Infof("[doc]%s resolving %s from v%d\n", d.Key(), d.pending[0], from)
	d.resolving = true
	d.resolveFrom = from
	d.resolveReason = reason
	d.resolveRebased = rebased
	return nil
}

// restampLocked records that the queue is written against the mirror.
func (d *Document) restampLocked() {
	for i := range d.pending {
		d.pending[i].Version = d.version
	}
}

// GetHistory requests the operations after fromVersion. The reply is passed
// to OnHistory.
func (d *Document) GetHistory(fromVersion int) error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		if !d.transport.IsConnected() {
			return ErrNotConnected
		}
		msg := d.message(protocol.TypeHistory)
		msg.FromVersion = protocol.Int(fromVersion)
		return d.sendLocked(msg, n)
	})
}

// SendCursor broadcasts the local cursor. Fire and forget.
func (d *Document) SendCursor(cursor protocol.Cursor, selection *protocol.Selection) error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		if !d.transport.IsConnected() {
			return ErrNotConnected
		}
		msg := d.message(protocol.TypeCursor)
		msg.Cursor = &cursor
		msg.Selection = selection
		return d.sendLocked(msg, n)
	})
}

// QueryPresence requests the cursors stored for the document. The reply is
// passed to OnPresence.
func (d *Document) QueryPresence() error {
	return d.update(func(n *notes) error {
		if d.closed {
			return ErrDocumentClosed
		}
		if !d.transport.IsConnected() {
			return ErrNotConnected
		}
		return d.sendLocked(d.message(protocol.TypePresence), n)
	})
}

// ConnectionLost resets what the store forgot with the old connection: the
// subscription, an outstanding fetch, and the unacknowledged operation, which
// goes back to the head of the queue.
func (d *Document) ConnectionLost() {
	d.update(func(n *notes) error {
		if d.closed {
			return nil
		}
		d.subscribed = false
		d.resolving = false
		d.stopTimer(&d.fetchTimer)
		if d.state == DocFetching {
			d.state = DocUninitialized
		}
		d.requeueInFlightLocked()
		return nil
	})
}

// Resync fetches the document again. The queue is flushed once the fetch
// response arrives; with AutoSubscribe the subscription is renewed.
func (d *Document) Resync() error {
	return d.Fetch()
}

// Close unsubscribes and detaches the document. The operations that were not
// acknowledged are returned, in order, instead of being silently dropped.
func (d *Document) Close() []protocol.Operation {
	var dropped []protocol.Operation
	d.update(func(n *notes) error {
		if d.closed {
			return nil
		}
		if d.subscribed && d.transport.IsConnected() {
			d.sendLocked(d.message(protocol.TypeUnsubscribe), n)
		}
		d.subscribed = false
		d.requeueInFlightLocked()
		dropped = d.pending
		d.pending = nil
		d.early = nil
		d.stopTimer(&d.fetchTimer)
		d.closed = true
		return nil
	})
	for _, sub := range d.subs {
		sub.Cancel()
	}
	if 0 < len(dropped) {
		glog.Infof("[doc]%s closed with %d unacknowledged operations\n", d.Key(), len(dropped))
	}
	return dropped
}

func (d *Document) sendLocked(msg *protocol.DocumentMessage, n *notes) error {
	if err := d.transport.SendMessage(msg); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			d.setErrorLocked(err.Error(), n)
		}
		return err
	}
	return nil
}

func (d *Document) setErrorLocked(reason string, n *notes) {
	d.err = reason
	if f := d.observer.OnError; f != nil {
		n.add(func() { f(reason) })
	}
}

func (d *Document) rejectLocked(op protocol.Operation, reason string, n *notes) {
	if f := d.observer.OnRejected; f != nil {
		n.add(func() { f(op, reason) })
	}
}

func (d *Document) changedLocked(n *notes) {
	if f := d.observer.OnChange; f != nil {
		content, version := d.content, d.version
		n.add(func() { f(content, version) })
	}
}

func (d *Document) stopTimer(t *timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// accepts reports whether msg is addressed to this document. Error replies
// from the store may omit the document; they are matched to the request that
// is outstanding.
func (d *Document) accepts(msgType string, msg *protocol.DocumentMessage) bool {
	if msg.Matches(d.collection, d.docId) {
		return true
	}
	if msg.Collection != "" || msg.DocID != "" {
		return false
	}
	switch msgType {
	case protocol.TypeFetchError:
		return d.state == DocFetching
	case protocol.TypeOpError:
		return d.inFlight != nil
	}
	return false
}

func (d *Document) handle(env *protocol.Envelope) {
	msg, err := env.Document()
	if err != nil {
		glog.Warningf("[doc]%s drop malformed %s: %s\n", d.Key(), env.Type, err)
		return
	}
	d.update(func(n *notes) error {
		if d.closed || !d.accepts(env.Type, msg) {
			return nil
		}
		switch env.Type {
		case protocol.TypeFetchResponse:
			d.onFetchResponse(msg, n)
		case protocol.TypeFetchError:
			d.stopTimer(&d.fetchTimer)
			d.state = DocError
			d.setErrorLocked(msg.Error, n)
		case protocol.TypeSubscribed:
			glog.V(1).Infof("[doc]%s subscribed\n", d.Key())
		case protocol.TypeSubscribeError:
			d.subscribed = false
			d.setErrorLocked(msg.Error, n)
		case protocol.TypeUnsubscribed:
		case protocol.TypeOpAck:
			d.onOpAck(msg, n)
		case protocol.TypeOpError:
			d.onOpError(msg, n)
		case protocol.TypeRemoteOp:
			d.onRemoteOp(msg, n)
		case protocol.TypeHistoryResponse:
			d.onHistory(msg, n)
		case protocol.TypeHistoryError, protocol.TypeCursorError:
			d.setErrorLocked(msg.Error, n)
			if env.Type == protocol.TypeHistoryError && d.resolving {
				d.onUnresolvedLocked(msg.Error, n)
			}
		case protocol.TypeRemoteCursor:
			if f := d.observer.OnRemoteCursor; f != nil {
				n.add(func() { f(msg) })
			}
		case protocol.TypePresenceResponse:
			if f := d.observer.OnPresence; f != nil {
				presence := msg.Presence
				n.add(func() { f(presence) })
			}
		}
		return nil
	})
}

func (d *Document) onFetchResponse(msg *protocol.DocumentMessage, n *notes) {
	d.stopTimer(&d.fetchTimer)
	v := msg.VersionValue()
	jumped := d.version < v
	// a response older than the mirror keeps the mirror
	if d.version <= v {
		if msg.Content != nil {
			d.content = *msg.Content
		} else {
			d.content = ""
		}
		d.version = v
	}
	d.state = DocSynced
	d.err = ""

	early := d.early
	d.early = nil
	sort.SliceStable(early, func(i, j int) bool { return early[i].Version < early[j].Version })
	for _, op := range early {
		if d.version < op.Version {
			if jumped {
				// the queue is rebased through the history on flush
				d.content = protocol.Apply(d.content, op)
				d.version = op.Version
			} else {
				d.applyRemoteLocked(op)
			}
		}
	}
	d.changedLocked(n)

	if d.settings.AutoSubscribe && !d.subscribed {
		d.subscribeLocked(n)
	}
	d.flushLocked(n)
}

func (d *Document) onOpAck(msg *protocol.DocumentMessage, n *notes) {
	if d.inFlight == nil {
		// a retransmission being resolved is settled by the history
		glog.V(1).Infof("[doc]%s ack without an operation in flight\n", d.Key())
		return
	}
	if msg.OpID != "" && msg.OpID != d.inFlight.ID {
		glog.V(1).Infof("[doc]%s ignore ack of %s\n", d.Key(), msg.OpID)
		return
	}
	op := d.flightLocked()
	acked := *d.inFlight
	d.inFlight = nil
	d.rebased = nil
	d.stopTimer(&d.opTimer)
	d.acknowledgedLocked(acked, op, msg.VersionValue(), n)
	d.flushLocked(n)
}

// acknowledgedLocked applies op, the store's copy of the local operation
// acked, at version v and reports acked.
func (d *Document) acknowledgedLocked(acked, op protocol.Operation, v int, n *notes) {
	if d.version < v {
		d.content = protocol.Apply(d.content, op)
		d.version = v
		if d.settings.Transform {
			d.restampLocked()
		}
	}
	d.lastAck = acked.ID
	acked.Version = v
	if f := d.observer.OnAck; f != nil {
		n.add(func() { f(acked, v) })
	}
	d.changedLocked(n)
}

func (d *Document) onOpError(msg *protocol.DocumentMessage, n *notes) {
	if d.inFlight == nil || (msg.OpID != "" && msg.OpID != d.inFlight.ID) {
		if msg.OpID != "" {
			glog.V(1).Infof("[doc]%s ignore op-error of %s\n", d.Key(), msg.OpID)
			return
		}
		d.setErrorLocked(msg.Error, n)
		return
	}
	d.setErrorLocked(msg.Error, n)

	if !d.settings.Transform && d.sends <= 1 {
		rejected := *d.inFlight
		d.inFlight = nil
		d.rebased = nil
		d.stopTimer(&d.opTimer)
		d.rejectLocked(rejected, msg.Error, n)
		glog.Infof("[doc]%s operation %s rejected = %s, refetching\n", d.Key(), rejected, msg.Error)
		d.fetchLocked(n)
		return
	}

	// an earlier transmission may have been applied. In transform mode the
	// history is also what the operation is rebased over.
	rebased := d.rebased != nil
	d.requeueInFlightLocked()
	if len(d.pending) == 0 {
		return
	}
	d.resolveLocked(msg.Error, rebased, n)
}

func (d *Document) onRemoteOp(msg *protocol.DocumentMessage, n *notes) {
	if msg.Operation == nil {
		glog.Warningf("[doc]%s remote-op without operation\n", d.Key())
		return
	}
	op := *msg.Operation
	if d.state != DocSynced && d.state != DocError {
		d.early = append(d.early, op)
		return
	}
	if op.Version <= d.version {
		glog.V(1).Infof("[doc]%s ignore stale remote %s at v%d\n", d.Key(), op, d.version)
		return
	}
	if d.version+1 < op.Version {
		glog.Warningf("[doc]%s remote %s skips versions after v%d\n", d.Key(), op, d.version)
	}
	if d.ownLocked(op, n) {
		return
	}
	d.applyRemoteLocked(op)
	d.changedLocked(n)
}

// ownLocked settles a local operation delivered back as a remote one, which
// happens when an earlier connection's transmission reached the store.
func (d *Document) ownLocked(op protocol.Operation, n *notes) bool {
	if op.ID == "" {
		return false
	}
	switch {
	case d.inFlight != nil && d.inFlight.ID == op.ID:
		acked := *d.inFlight
		flight := d.flightLocked()
		d.inFlight = nil
		d.rebased = nil
		d.stopTimer(&d.opTimer)
		d.acknowledgedLocked(acked, flight, op.Version, n)
	case d.inFlight == nil && !d.resolving && 0 < len(d.pending) && d.pending[0].ID == op.ID:
		acked := d.pending[0]
		d.pending = d.pending[1:]
		d.acknowledgedLocked(acked, op, op.Version, n)
	default:
		return false
	}
	d.flushLocked(n)
	return true
}

func (d *Document) applyRemoteLocked(op protocol.Operation) {
	d.content = protocol.Apply(d.content, op)
	d.version = op.Version

	// while resolving, the history rebases the queue over op
	if !d.settings.Transform || d.resolving {
		return
	}
	if d.inFlight != nil {
		chain := append([]protocol.Operation{d.flightLocked()}, d.pending...)
		chain = protocol.TransformAll(chain, op)
		d.rebased = &chain[0]
		d.pending = chain[1:]
	} else {
		d.pending = protocol.TransformAll(d.pending, op)
	}
	d.restampLocked()
}

func (d *Document) onHistory(msg *protocol.DocumentMessage, n *notes) {
	ops := append([]protocol.Operation(nil), msg.Operations...)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Version < ops[j].Version })

	if d.resolving && msg.FromVersionValue() == d.resolveFrom {
		d.onResolvedLocked(ops, n)
	}

	if f := d.observer.OnHistory; f != nil {
		from := msg.FromVersionValue()
		n.add(func() { f(from, ops) })
	}
}

// onResolvedLocked settles the head of the queue with the history after the
// version it was written against. The head is acknowledged when its own id is
// there. Otherwise it is rebased over the history in transform mode, sent
// again when the store neither moved nor refused it, or rejected.
func (d *Document) onResolvedLocked(ops []protocol.Operation, n *notes) {
	d.resolving = false
	reason, rebased := d.resolveReason, d.resolveRebased
	if len(d.pending) == 0 {
		d.flushLocked(n)
		return
	}
	head := d.pending[0]
	chain := d.pending
	applied, foreign, changed := false, false, false
	for _, op := range ops {
		if op.Version <= head.Version {
			continue
		}
		own := head.ID != "" && op.ID == head.ID
		if d.version < op.Version {
			d.content = protocol.Apply(d.content, op)
			d.version = op.Version
			changed = true
		}
		switch {
		case own && !applied:
			applied = true
			chain = chain[1:]
			d.lastAck = head.ID
			acked := head
			acked.Version = op.Version
			if f := d.observer.OnAck; f != nil {
				n.add(func() { f(acked, acked.Version) })
			}
		case op.ID != "" && op.ID == d.lastAck:
			// the queue was written after it
		default:
			foreign = true
			if d.settings.Transform {
				chain = protocol.TransformAll(chain, op)
			}
		}
	}

	refetch := false
	if !applied && 0 < len(chain) {
		switch {
		case d.settings.Transform && (foreign || rebased):
			// no longer the operation that was sent
			chain[0].ID = ""
			glog.V(1).Infof("[doc]%s rebased %s through the history\n", d.Key(), chain[0])
		case !foreign && !rebased && reason == "" && (d.settings.Transform || d.version <= head.Version):
		default:
			if reason == "" {
				reason = "version conflict - operation not applied"
			}
			rejected := chain[0]
			chain = chain[1:]
			d.rejectLocked(rejected, reason, n)
			glog.Infof("[doc]%s operation %s rejected = %s\n", d.Key(), rejected, reason)
			refetch = !d.settings.Transform
		}
	}
	d.pending = chain
	if d.settings.Transform {
		d.restampLocked()
	}
	if changed || applied {
		d.changedLocked(n)
	}
	if refetch {
		d.fetchLocked(n)
		return
	}
	d.flushLocked(n)
}

// onUnresolvedLocked gives up on the head of the queue when the history that
// would settle it is unavailable. Sending it again could apply it twice.
func (d *Document) onUnresolvedLocked(reason string, n *notes) {
	d.resolving = false
	if 0 < len(d.pending) {
		rejected := d.pending[0]
		d.pending = d.pending[1:]
		d.rejectLocked(rejected, reason, n)
		glog.Warningf("[doc]%s cannot resolve %s = %s\n", d.Key(), rejected, reason)
	}
	d.flushLocked(n)
}
