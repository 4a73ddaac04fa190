// Package observe implements the observation registry (RFC 7641): a
// subject/observer book-keeper that tracks long-lived interest in
// resources, increments a monotonically growing sequence per
// notification, and ages out unresponsive observers.
package observe

import (
	"github.com/coap-core/coap"
)

// DefaultUnacknowledgedLimit is the default number of consecutive
// unacknowledged notifications tolerated before an observer is dropped.
const DefaultUnacknowledgedLimit = 10

// Observer is a single registered client interested in a resource.
type Observer[Endpoint comparable] struct {
	Endpoint             Endpoint
	Token                []byte
	UnacknowledgedCount  uint8
	PendingMessageID     uint16
	havePendingMessageID bool
}

// Resource is a path-keyed list of observers plus its notification
// sequence counter.
type Resource[Endpoint comparable] struct {
	Observers []*Observer[Endpoint]
	Sequence  uint32
}

// RegistrationRequest carries the fields Register/Deregister/Acknowledge
// need out of an inbound request, without requiring the caller to hand
// over a full coap.Packet plus endpoint plumbing.
type RegistrationRequest[Endpoint comparable] struct {
	Endpoint  Endpoint
	Path      string
	Token     []byte
	MessageID uint16
}

// RegistrationRequestFromPacket builds a RegistrationRequest from a
// decoded packet and the endpoint it arrived from.
func RegistrationRequestFromPacket[Endpoint comparable](p *coap.Packet, endpoint Endpoint) RegistrationRequest[Endpoint] {
	path := ""
	segs := p.Path()
	for i, s := range segs {
		if i > 0 {
			path += "/"
		}
		path += s
	}
	return RegistrationRequest[Endpoint]{
		Endpoint:  endpoint,
		Path:      path,
		Token:     p.Token,
		MessageID: p.Header.MessageID,
	}
}

// Subject keeps track of the state of every observed resource. It is not
// safe for concurrent use by multiple goroutines on the same instance:
// callers must serialize access.
type Subject[Endpoint comparable] struct {
	resources           map[string]*Resource[Endpoint]
	unacknowledgedLimit uint8
}

// NewSubject creates an empty Subject with the default unacknowledged
// limit.
func NewSubject[Endpoint comparable]() *Subject[Endpoint] {
	return &Subject[Endpoint]{
		resources:           make(map[string]*Resource[Endpoint]),
		unacknowledgedLimit: DefaultUnacknowledgedLimit,
	}
}

// SetUnacknowledgedLimit sets the number of consecutive unacknowledged
// notifications an observer may accrue before being dropped.
func (s *Subject[Endpoint]) SetUnacknowledgedLimit(limit uint8) {
	s.unacknowledgedLimit = limit
}

func (s *Subject[Endpoint]) resourceFor(path string) *Resource[Endpoint] {
	r, ok := s.resources[path]
	if !ok {
		r = &Resource[Endpoint]{}
		s.resources[path] = r
	}
	return r
}

// Register records req's endpoint as an observer of req.Path. If that
// endpoint is already observing the resource, its entry is replaced (the
// new token supersedes the old one).
func (s *Subject[Endpoint]) Register(req RegistrationRequest[Endpoint]) {
	resource := s.resourceFor(req.Path)

	observer := &Observer[Endpoint]{
		Endpoint: req.Endpoint,
		Token:    append([]byte(nil), req.Token...),
	}

	for i, o := range resource.Observers {
		if o.Endpoint == req.Endpoint {
			resource.Observers[i] = observer
			return
		}
	}
	resource.Observers = append(resource.Observers, observer)
}

// Deregister removes the observer matching (endpoint, token) from
// req.Path, if any.
func (s *Subject[Endpoint]) Deregister(req RegistrationRequest[Endpoint]) {
	resource, ok := s.resources[req.Path]
	if !ok {
		return
	}
	resource.Observers = removeObserver(resource.Observers, func(o *Observer[Endpoint]) bool {
		return o.Endpoint == req.Endpoint && bytesEqual(o.Token, req.Token)
	})
}

func removeObserver[Endpoint comparable](observers []*Observer[Endpoint], match func(*Observer[Endpoint]) bool) []*Observer[Endpoint] {
	kept := observers[:0]
	for _, o := range observers {
		if !match(o) {
			kept = append(kept, o)
		}
	}
	return kept
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResourceChanged increments path's sequence counter and, for every
// current observer, records messageID as its pending notification and
// bumps its unacknowledged count. Observers whose count exceeds the
// configured limit are dropped. Returns the new sequence value.
func (s *Subject[Endpoint]) ResourceChanged(path string, messageID uint16) uint32 {
	resource := s.resourceFor(path)
	resource.Sequence++

	for _, o := range resource.Observers {
		o.UnacknowledgedCount++
		o.PendingMessageID = messageID
		o.havePendingMessageID = true
	}

	resource.Observers = removeObserver(resource.Observers, func(o *Observer[Endpoint]) bool {
		return o.UnacknowledgedCount > s.unacknowledgedLimit
	})

	return resource.Sequence
}

// Acknowledge resets the unacknowledged counter for the observer matching
// (endpoint, messageID) across every tracked resource — acknowledgements
// carry no token, so endpoint and message id are all that's available to
// match on.
func (s *Subject[Endpoint]) Acknowledge(endpoint Endpoint, messageID uint16) {
	for _, resource := range s.resources {
		for _, o := range resource.Observers {
			if o.Endpoint == endpoint && o.havePendingMessageID && o.PendingMessageID == messageID {
				o.UnacknowledgedCount = 0
				o.havePendingMessageID = false
			}
		}
	}
}

// GetResource returns the tracked resource at path, if any.
func (s *Subject[Endpoint]) GetResource(path string) (*Resource[Endpoint], bool) {
	r, ok := s.resources[path]
	return r, ok
}

// GetResourceObservers returns the observers of path, in a stable order.
func (s *Subject[Endpoint]) GetResourceObservers(path string) []*Observer[Endpoint] {
	r, ok := s.resources[path]
	if !ok {
		return nil
	}
	out := append([]*Observer[Endpoint](nil), r.Observers...)
	return out
}

// CreateNotification builds a Confirmable 2.05 Content response carrying
// token and the minimal-length big-endian encoding of sequence as the
// Observe option value (sequence 0 encodes to the empty value, matching
// the integer-option convention used elsewhere in this library; only the
// low 3 bytes are encoded, see coap.Packet.SetObserveValue).
func CreateNotification(messageID uint16, token []byte, sequence uint32, payload []byte) coap.Packet {
	var p coap.Packet
	p.Header.Type = coap.Confirmable
	p.Header.Code = coap.CodeContent
	p.Header.MessageID = messageID
	p.SetToken(append([]byte(nil), token...))
	p.SetObserveValue(sequence)
	p.Payload = append([]byte(nil), payload...)
	return p
}
