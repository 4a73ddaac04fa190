package blockwise

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coap-core/coap"
)

func newBlock1Request(t *testing.T, num int, more bool, chunk []byte) coap.Packet {
	t.Helper()
	var p coap.Packet
	p.Header = coap.Header{Version: 1, Type: coap.Confirmable, Code: coap.CodePUT, MessageID: uint16(num + 1)}
	p.SetPathString("test")
	block, err := coap.NewBlockValue(num, more, 16)
	require.NoError(t, err)
	p.AddOptionAsBlockValue(coap.OptionBlock1, block)
	p.Payload = chunk
	return p
}

// TestBlock1Reassembly exercises the full chunked-upload scenario: an
// 88-byte payload sliced into 16-byte Block1 chunks, PUT one chunk at a
// time. Chosen so that the request's own framing overhead (path "test" plus
// the Block1 option itself) leaves exactly 16 bytes of block budget at
// max_total_message_size=40; at 32 the 12 bytes of framing plus the 12-byte
// block-options headroom would leave only 8 bytes, below the 16-byte
// minimum block size.
func TestBlock1Reassembly(t *testing.T) {
	c := New[string](Config{MaxTotalMessageSize: 40})

	fullPayload := strings.Repeat("0123456789\n", 8) // 88 bytes
	require.Len(t, fullPayload, 88)

	const chunkSize = 16
	var chunks [][]byte
	for i := 0; i < len(fullPayload); i += chunkSize {
		end := i + chunkSize
		if end > len(fullPayload) {
			end = len(fullPayload)
		}
		chunks = append(chunks, []byte(fullPayload[i:end]))
	}
	require.Len(t, chunks, 6)

	var finalMessage coap.Packet
	for num, chunk := range chunks {
		more := num < len(chunks)-1
		req := newBlock1Request(t, num, more, chunk)
		resp := &coap.Packet{Header: coap.Header{Version: 1, Type: coap.Acknowledgement, MessageID: req.Header.MessageID}}

		exch := &Exchange[string]{Message: req, Response: resp, Source: "client-a"}
		handled, err := c.InterceptRequest(exch)
		require.NoError(t, err)

		if more {
			assert.True(t, handled, "chunk %d should be intercepted (continue)", num)
			assert.Equal(t, coap.CodeContinue, exch.Response.Header.Code)
			b, present, berr := exch.Response.GetFirstOptionAsBlockValue(coap.OptionBlock1)
			require.NoError(t, berr)
			require.True(t, present)
			assert.Equal(t, uint16(num), b.Num)
		} else {
			assert.False(t, handled, "final chunk should fall through to the application")
			finalMessage = exch.Message
			b, present, berr := exch.Response.GetFirstOptionAsBlockValue(coap.OptionBlock1)
			require.NoError(t, berr)
			require.True(t, present)
			assert.Equal(t, uint16(num), b.Num)
		}
	}

	assert.Equal(t, fullPayload, string(finalMessage.Payload))
}

// TestBlock2Fragmentation exercises outbound response fragmentation: the
// application hands back an 88-byte 2.05 Content body, and the coordinator
// serves it out 16 bytes at a time across successive Block2 requests. At
// max_total_message_size=32 a bare response (no token, no options besides
// the Block2 this negotiation adds) leaves exactly 16 bytes of payload
// budget.
func TestBlock2Fragmentation(t *testing.T) {
	c := New[string](Config{MaxTotalMessageSize: 32})

	fullPayload := strings.Repeat("0123456789\n", 8) // 88 bytes
	method := coap.CodeGET

	firstRequest := coap.Packet{Header: coap.Header{Version: 1, Type: coap.Confirmable, Code: method, MessageID: 1}}
	firstRequest.SetPathString("big")
	firstResponse := &coap.Packet{Header: coap.Header{Version: 1, Type: coap.Acknowledgement, Code: coap.CodeContent, MessageID: 1}}
	firstResponse.Payload = []byte(fullPayload)

	exch := &Exchange[string]{Message: firstRequest, Response: firstResponse, Source: "client-b"}
	handled, err := c.InterceptRequest(exch)
	require.NoError(t, err)
	assert.False(t, handled)

	mutated, err := c.InterceptResponse(exch)
	require.NoError(t, err)
	assert.True(t, mutated)

	var reassembled []byte
	reassembled = append(reassembled, exch.Response.Payload...)
	firstBlock, present, err := exch.Response.GetFirstOptionAsBlockValue(coap.OptionBlock2)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, uint16(0), firstBlock.Num)
	assert.True(t, firstBlock.More)
	assert.Equal(t, 16, firstBlock.Size())

	num := 1
	for {
		req := coap.Packet{Header: coap.Header{Version: 1, Type: coap.Confirmable, Code: method, MessageID: uint16(num + 1)}}
		req.SetPathString("big")
		block, berr := coap.NewBlockValue(num, false, 16)
		require.NoError(t, berr)
		req.AddOptionAsBlockValue(coap.OptionBlock2, block)

		resp := &coap.Packet{Header: coap.Header{Version: 1, Type: coap.Acknowledgement, MessageID: req.Header.MessageID}}
		nextExch := &Exchange[string]{Message: req, Response: resp, Source: "client-b"}

		handled, err := c.InterceptRequest(nextExch)
		require.NoError(t, err)
		require.True(t, handled)

		reassembled = append(reassembled, nextExch.Response.Payload...)

		b, present, err := nextExch.Response.GetFirstOptionAsBlockValue(coap.OptionBlock2)
		require.NoError(t, err)
		require.True(t, present)
		if !b.More {
			break
		}
		num++
	}

	assert.Equal(t, fullPayload, string(reassembled))

	// Once the cache entry is exhausted, a follow-up request carrying no
	// Block2 option at all must fall through to the application rather than
	// be served from a (now nonexistent) cache entry.
	freshReq := coap.Packet{Header: coap.Header{Version: 1, Type: coap.Confirmable, Code: method, MessageID: 9999}}
	freshReq.SetPathString("big")
	freshResp := &coap.Packet{Header: coap.Header{Version: 1, Type: coap.Acknowledgement}}
	freshExch := &Exchange[string]{Message: freshReq, Response: freshResp, Source: "client-b"}
	handled, err = c.InterceptRequest(freshExch)
	require.NoError(t, err)
	assert.False(t, handled, "cache entry should have been evicted after the final block was served")
}

func TestBlock2RequestPastEndOfCachedPayloadIsBadRequest(t *testing.T) {
	c := New[string](Config{MaxTotalMessageSize: 32})

	firstRequest := coap.Packet{Header: coap.Header{Version: 1, Code: coap.CodeGET, MessageID: 1}}
	firstRequest.SetPathString("big")
	firstResponse := &coap.Packet{Header: coap.Header{Type: coap.Acknowledgement, Code: coap.CodeContent, MessageID: 1}}
	firstResponse.Payload = []byte(strings.Repeat("x", 88))

	exch := &Exchange[string]{Message: firstRequest, Response: firstResponse, Source: "client-c"}
	_, err := c.InterceptRequest(exch)
	require.NoError(t, err)
	_, err = c.InterceptResponse(exch)
	require.NoError(t, err)

	req := coap.Packet{Header: coap.Header{Code: coap.CodeGET, MessageID: 2}}
	req.SetPathString("big")
	block, err := coap.NewBlockValue(100, false, 16)
	require.NoError(t, err)
	req.AddOptionAsBlockValue(coap.OptionBlock2, block)
	resp := &coap.Packet{}
	nextExch := &Exchange[string]{Message: req, Response: resp, Source: "client-c"}

	_, err = c.InterceptRequest(nextExch)
	require.Error(t, err)
	he, ok := err.(*coap.HandlingError)
	require.True(t, ok)
	assert.Equal(t, coap.CodeBadRequest, he.Code)
}

func TestExtendingSpliceRefusesExcessiveGrowth(t *testing.T) {
	dst := make([]byte, 4)
	_, err := extendingSplice(dst, 0, 4+maxUncommittedBufferReserveLength+1, make([]byte, 4+maxUncommittedBufferReserveLength+1), maxUncommittedBufferReserveLength)
	assert.Error(t, err)
}

func TestExtendingSpliceGrowsWithinBudget(t *testing.T) {
	dst := make([]byte, 0)
	out, err := extendingSplice(dst, 0, 5, []byte("hello"), maxUncommittedBufferReserveLength)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestNegotiateBlockSizeShrinksToFitBudget(t *testing.T) {
	requested, err := coap.NewBlockValue(0, true, 1024)
	require.NoError(t, err)

	block, err := negotiateBlockSize(&requested, 4, 1024, 64)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.LessOrEqual(t, block.Size(), 1024)
	assert.True(t, block.Size() <= 64)
}

func TestNegotiateBlockSizeFailsWhenNothingFits(t *testing.T) {
	_, err := negotiateBlockSize(nil, 40, 100, 20)
	assert.Error(t, err)
}
