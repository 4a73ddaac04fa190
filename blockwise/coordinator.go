// Package blockwise implements the block-wise transfer coordinator
// (RFC 7959): a per-peer, per-resource state machine that fragments
// outbound responses too large to fit in one message and reassembles
// fragmented inbound request payloads, transparently to the application.
package blockwise

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/coap-core/coap"
)

// blockOptionsMaxLength is the maximum amount adding a Block1 and/or
// Block2 option to a message could add to its total encoded size; it is
// reserved headroom when deciding whether a message fits within the
// configured limit.
const blockOptionsMaxLength = 12

// maxUncommittedBufferReserveLength bounds how far a single inbound write
// may extend the reassembly buffer beyond its current length. This stops a
// peer from pre-allocating an arbitrary amount of memory by claiming a
// high block num up front.
const maxUncommittedBufferReserveLength = 16 * 1024

// DefaultMaxTotalMessageSize is RFC 7252's suggested default.
const DefaultMaxTotalMessageSize = 1152

// Config configures a Coordinator.
type Config struct {
	// MaxTotalMessageSize is the framed message size budget offered to the
	// peer (packet size minus transport overhead), not the block payload
	// size alone — it must also cover the message's own options.
	MaxTotalMessageSize int

	// CacheExpiryDuration is how long a per-exchange cache entry survives
	// without being touched (refreshed on every access).
	CacheExpiryDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTotalMessageSize <= 0 {
		c.MaxTotalMessageSize = DefaultMaxTotalMessageSize
	}
	if c.CacheExpiryDuration <= 0 {
		c.CacheExpiryDuration = 120 * time.Second
	}
	return c
}

// Exchange bundles a request message together with the in-flight response
// the application (or the coordinator itself) is building, and the
// endpoint ("who sent this") used to key per-peer state.
type Exchange[Endpoint comparable] struct {
	Message  coap.Packet
	Response *coap.Packet
	Source   Endpoint
}

// blockState is the per-(method, path, endpoint) cache entry tracking an
// in-flight block-wise exchange.
type blockState struct {
	lastRequestBlock2    *coap.BlockValue
	cachedResponse       *coap.Packet
	cachedRequestPayload []byte
}

// Coordinator intercepts inbound requests and outbound responses to
// implement RFC 7959 block-wise transfer. It is not safe for concurrent
// use by multiple goroutines on the same instance: callers must serialize
// access, e.g. by running the coordinator behind a single I/O goroutine.
type Coordinator[Endpoint comparable] struct {
	config Config
	cache  *gocache.Cache
}

// New creates a Coordinator, expected to be reused across every request/
// response pair that may benefit from block handling.
func New[Endpoint comparable](cfg Config) *Coordinator[Endpoint] {
	cfg = cfg.withDefaults()
	return &Coordinator[Endpoint]{
		config: cfg,
		cache:  gocache.New(cfg.CacheExpiryDuration, cfg.CacheExpiryDuration/2),
	}
}

func cacheKey[Endpoint comparable](method coap.Code, path []string, endpoint Endpoint) string {
	return fmt.Sprintf("%d|%s|%v", method, strings.Join(path, "/"), endpoint)
}

func (c *Coordinator[Endpoint]) stateFor(key string) *blockState {
	if v, ok := c.cache.Get(key); ok {
		state := v.(*blockState)
		c.cache.Set(key, state, gocache.DefaultExpiration)
		return state
	}
	state := &blockState{}
	c.cache.Set(key, state, gocache.DefaultExpiration)
	return state
}

// InterceptRequest intercepts a request before application processing.
// true means the caller should send exch.Response as-is and skip the
// application; false means proceed to the application normally.
func (c *Coordinator[Endpoint]) InterceptRequest(exch *Exchange[Endpoint]) (bool, error) {
	key := cacheKey(exch.Message.Header.Code, exch.Message.Path(), exch.Source)
	state := c.stateFor(key)

	handled, err := c.maybeHandleRequestBlock1(exch, state)
	if err != nil || handled {
		return handled, err
	}

	return c.maybeHandleRequestBlock2(exch, state)
}

func (c *Coordinator[Endpoint]) maybeHandleRequestBlock1(exch *Exchange[Endpoint], state *blockState) (bool, error) {
	requestBlock1, present, err := exch.Message.GetFirstOptionAsBlockValue(coap.OptionBlock1)
	if err != nil {
		return false, coap.BadRequest(err.Error())
	}

	sizeSansPayload, err := messageSizeWithoutPayload(&exch.Message)
	if err != nil {
		return false, coap.Internal(err.Error())
	}

	var requestBlockPtr *coap.BlockValue
	if present {
		requestBlockPtr = &requestBlock1
	}
	responseBlock1, err := negotiateBlockSize(
		requestBlockPtr, sizeSansPayload, len(exch.Message.Payload), c.config.MaxTotalMessageSize)
	if err != nil {
		return false, err
	}

	switch {
	case present && responseBlock1 != nil:
		if state.cachedRequestPayload == nil {
			state.cachedRequestPayload = []byte{}
		}
		offset := requestBlock1.Offset()
		newPayload, err := extendingSplice(
			state.cachedRequestPayload, offset, offset+len(exch.Message.Payload),
			exch.Message.Payload, maxUncommittedBufferReserveLength)
		if err != nil {
			return false, coap.Internal(err.Error())
		}
		state.cachedRequestPayload = newPayload

		if requestBlock1.More {
			if exch.Response == nil {
				return false, coap.NotHandled()
			}
			exch.Response.AddOptionAsBlockValue(coap.OptionBlock1, *responseBlock1)
			exch.Response.Header.Code = coap.CodeContinue
			if coap.TraceEnabled() {
				coap.Trace("blockwise: request block1 num=%d continue", requestBlock1.Num)
			}
			return true, nil
		}

		reassembled := state.cachedRequestPayload
		state.cachedRequestPayload = nil
		exch.Message.Payload = reassembled

		if exch.Response == nil {
			return false, coap.NotHandled()
		}
		exch.Response.AddOptionAsBlockValue(coap.OptionBlock1, *responseBlock1)
		return false, nil

	case !present && responseBlock1 != nil:
		if exch.Response == nil {
			return false, coap.NotHandled()
		}
		exch.Response.AddOptionAsBlockValue(coap.OptionBlock1, *responseBlock1)
		exch.Response.Header.Code = coap.CodeRequestEntityTooLarge
		return true, nil

	default:
		return false, nil
	}
}

func (c *Coordinator[Endpoint]) maybeHandleRequestBlock2(exch *Exchange[Endpoint], state *blockState) (bool, error) {
	block2, present, err := exch.Message.GetFirstOptionAsBlockValue(coap.OptionBlock2)
	if err != nil {
		return false, coap.BadRequest(err.Error())
	}
	if present {
		state.lastRequestBlock2 = &block2
	} else {
		state.lastRequestBlock2 = nil
	}

	if present && state.cachedResponse != nil {
		hasMore, err := serveCachedResponse(exch, block2, state.cachedResponse)
		if err != nil {
			return false, err
		}
		if !hasMore {
			state.cachedResponse = nil
		}
		return true, nil
	}

	return false, nil
}

// serveCachedResponse slices cached at the requested block and installs
// the slice (plus a non-cached copy of its other header/options) into
// exch.Response, reporting whether another chunk remains after this one.
func serveCachedResponse[Endpoint comparable](
	exch *Exchange[Endpoint], requestBlock coap.BlockValue, cached *coap.Packet,
) (bool, error) {
	if exch.Response == nil {
		return false, coap.NotHandled()
	}
	response := exch.Response

	packetCloneLimited(response, cached)

	blockSize := requestBlock.Size()
	payload := cached.Payload
	start := int(requestBlock.Num) * blockSize
	if len(payload) == 0 || start >= len(payload) {
		return false, coap.BadRequest(fmt.Sprintf("num=%d, block_size=%d", requestBlock.Num, blockSize))
	}
	end := start + blockSize
	hasMore := end < len(payload)
	if end > len(payload) {
		end = len(payload)
	}

	response.Payload = append([]byte(nil), payload[start:end]...)

	responseBlock2 := requestBlock
	responseBlock2.More = hasMore
	response.SetOptionAsBlockValue(coap.OptionBlock2, responseBlock2)

	return hasMore, nil
}

// packetCloneLimited copies type, code, token, and every non-Block2 option
// from src into dst, but deliberately leaves dst's message id untouched so
// that each outbound block carries the current request's id rather than
// the cached response's — this preserves retransmission correlation.
func packetCloneLimited(dst, src *coap.Packet) {
	dst.Header.Version = src.Header.Version
	dst.Header.Type = src.Header.Type
	dst.Header.Code = src.Header.Code
	dst.SetToken(append([]byte(nil), src.Token...))
	for _, entry := range src.AllOptions() {
		if entry.ID != coap.OptionBlock2 {
			dst.ClearOption(entry.ID)
		}
	}
	for _, entry := range src.AllOptions() {
		if entry.ID == coap.OptionBlock2 {
			continue
		}
		dst.AddOption(entry.ID, append([]byte(nil), entry.Value...))
	}
}

// InterceptResponse intercepts a prepared response before it is delivered
// over the network. If its payload is too large to transmit whole, the
// coordinator caches it and serves it out across subsequent
// InterceptRequest calls carrying Block2. Returns true if the response
// was mutated to carry the first (and possibly only) block.
func (c *Coordinator[Endpoint]) InterceptResponse(exch *Exchange[Endpoint]) (bool, error) {
	key := cacheKey(exch.Message.Header.Code, exch.Message.Path(), exch.Source)
	state := c.stateFor(key)

	if exch.Response == nil {
		return false, nil
	}
	response := exch.Response

	if response.GetOption(coap.OptionBlock2) != nil {
		// The application installed Block2 itself; don't second-guess it.
		return false, nil
	}

	sizeSansPayload, err := messageSizeWithoutPayload(response)
	if err != nil {
		return false, coap.Internal(err.Error())
	}

	requestBlock2, err := negotiateBlockSize(
		state.lastRequestBlock2, sizeSansPayload, len(response.Payload), c.config.MaxTotalMessageSize)
	if err != nil {
		return false, err
	}
	if requestBlock2 == nil {
		return false, nil
	}

	cachedResponse := clonePacket(response)
	hasMore, err := serveCachedResponse(exch, *requestBlock2, &cachedResponse)
	if err != nil {
		return false, err
	}
	if hasMore {
		state.cachedResponse = &cachedResponse
	}
	return true, nil
}

func clonePacket(p *coap.Packet) coap.Packet {
	var out coap.Packet
	out.Header = p.Header
	out.SetToken(append([]byte(nil), p.Token...))
	out.Payload = append([]byte(nil), p.Payload...)
	for _, entry := range p.AllOptions() {
		out.AddOption(entry.ID, append([]byte(nil), entry.Value...))
	}
	return out
}

// messageSizeWithoutPayload encodes p with its payload momentarily removed
// and returns the resulting length: call the encoder twice rather than
// compute option framing overhead analytically.
func messageSizeWithoutPayload(p *coap.Packet) (int, error) {
	saved := p.Payload
	p.Payload = nil
	data, err := p.Encode(nil)
	p.Payload = saved
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// negotiateBlockSize decides whether a message needs block-wise transfer
// and, if so, what block size to use: given the peer's previously
// requested block (if any), the message's non-payload size, its total
// payload size, and the configured limit, it either returns nil (no block
// needed) or the BlockValue to attach to the outgoing message.
func negotiateBlockSize(
	requestBlock *coap.BlockValue,
	messageSizeSansPayload int,
	totalPayloadSize int,
	maxTotalMessageSize int,
) (*coap.BlockValue, error) {
	maxNonPayloadSize := messageSizeSansPayload + blockOptionsMaxLength
	if maxNonPayloadSize > maxTotalMessageSize {
		return nil, coap.Internal(fmt.Sprintf(
			"message too large to encode at any block size: %d exceeds %d",
			maxNonPayloadSize, maxTotalMessageSize))
	}
	// Deliberately left unrounded here: whether block-wise transfer is
	// needed at all (the totalPayloadSize comparison below) is decided
	// against the raw byte budget. Rounding to a legal power-of-two block
	// size happens only once we know a BlockValue actually has to be built.
	maxBlockSize := maxTotalMessageSize - maxNonPayloadSize

	if requestBlock != nil {
		negotiatedSize := requestBlock.Size()
		if maxBlockSize < negotiatedSize {
			negotiatedSize = maxBlockSize
		}
		roundedSize := roundDownToBlockSize(negotiatedSize)
		if roundedSize < 16 {
			return nil, coap.Internal(fmt.Sprintf(
				"message cannot be shipped at any block size (max usable block size %d)", roundedSize))
		}
		replyStart := requestBlock.Offset()
		replyEnd := replyStart + roundedSize
		num := replyStart / roundedSize
		more := replyEnd < totalPayloadSize

		block, err := coap.NewBlockValue(num, more, roundedSize)
		if err != nil {
			return nil, coap.Internal(err.Error())
		}
		return &block, nil
	}

	if totalPayloadSize < maxBlockSize {
		return nil, nil
	}
	roundedSize := roundDownToBlockSize(maxBlockSize)
	if roundedSize < 16 {
		return nil, coap.Internal(fmt.Sprintf(
			"message cannot be shipped at any block size (max usable block size %d)", roundedSize))
	}
	block, err := coap.NewBlockValue(0, true, roundedSize)
	if err != nil {
		return nil, coap.Internal(err.Error())
	}
	return &block, nil
}

// roundDownToBlockSize rounds n down to the nearest power of two in
// [16, 1024]; results below 16 are returned as-is so the caller can detect
// and report the "no block size fits" condition.
func roundDownToBlockSize(n int) int {
	if n < 16 {
		return n
	}
	size := 1024
	for size > n {
		size >>= 1
	}
	return size
}

// extendingSplice writes `data` into dst at [start, end), growing dst as
// needed but refusing to grow it by more than maximumReserveLen beyond its
// current length, so a peer can't force unbounded reassembly-buffer growth
// by claiming a high block number up front.
func extendingSplice(dst []byte, start, end int, data []byte, maximumReserveLen int) ([]byte, error) {
	if end < start {
		end = start
	}
	if end > len(dst) {
		growth := end - len(dst)
		if growth > maximumReserveLen {
			return nil, fmt.Errorf(
				"blockwise: refusing to grow reassembly buffer by %d bytes (limit %d)",
				growth, maximumReserveLen)
		}
		grown := make([]byte, end)
		copy(grown, dst)
		dst = grown
	}
	copy(dst[start:end], data)
	return dst, nil
}
