// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/relaymq/relaymq/internal/bufpool"
)

// MaxFrameSize bounds a single decoded frame. Requests larger than this are
// rejected before the length-prefixed body is even read, so a malformed or
// hostile length prefix cannot force an unbounded allocation.
const MaxFrameSize = 32 * 1024 * 1024

// frame kinds distinguish a request frame from a response frame on the wire,
// since both directions share one length-prefixed stream.
const (
	frameKindRequest  byte = 1
	frameKindResponse byte = 2
)

// Codec reads and writes length-prefixed PubSubRequest/PubSubResponse frames
// over a single connection. It is not safe for concurrent use on either the
// read or the write side independently, but one goroutine may read while
// another writes.
type Codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewCodec wraps rw with buffered length-prefixed framing.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(rw, 32*1024),
		w: bufio.NewWriterSize(rw, 32*1024),
	}
}

// ReadRequest blocks until a full request frame has arrived, or returns the
// underlying read error (io.EOF on clean close).
func (c *Codec) ReadRequest() (*PubSubRequest, error) {
	kind, body, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if kind != frameKindRequest {
		return nil, fmt.Errorf("wire: expected request frame, got kind %d", kind)
	}
	return decodeRequest(body)
}

// ReadResponse blocks until a full response frame has arrived.
func (c *Codec) ReadResponse() (*PubSubResponse, error) {
	kind, body, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if kind != frameKindResponse {
		return nil, fmt.Errorf("wire: expected response frame, got kind %d", kind)
	}
	return decodeResponse(body)
}

// WriteRequest encodes and flushes req.
func (c *Codec) WriteRequest(req *PubSubRequest) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	encodeRequest(buf, req)
	return c.writeFrame(frameKindRequest, buf.Bytes())
}

// WriteResponse encodes and flushes resp.
func (c *Codec) WriteResponse(resp *PubSubResponse) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	encodeResponse(buf, resp)
	return c.writeFrame(frameKindResponse, buf.Bytes())
}

func (c *Codec) readFrame() (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame length %d out of bounds", n)
	}
	kind, err := c.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, n-1)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

func (c *Codec) writeFrame(kind byte, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+1))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if err := c.w.WriteByte(kind); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}

// --- encode/decode ---
//
// The body format is a flat sequence of length-prefixed fields rather than a
// generic tag/value scheme: the schema is fixed per message type and known
// to both ends, so there is nothing for a tag to disambiguate.

// byteWriter serializes fields into a caller-owned *bytes.Buffer, normally
// one drawn from internal/bufpool so a request/response encode doesn't
// allocate a fresh backing array on every call.
type byteWriter struct {
	buf *bytes.Buffer
}

func (b *byteWriter) u8(v uint8) { b.buf.WriteByte(v) }
func (b *byteWriter) bool(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}

func (b *byteWriter) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
}

func (b *byteWriter) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
}

func (b *byteWriter) bytes(v []byte) {
	b.u32(uint32(len(v)))
	b.buf.Write(v)
}

func (b *byteWriter) str(v string) { b.bytes([]byte(v)) }

func (b *byteWriter) strSlice(v []string) {
	b.u32(uint32(len(v)))
	for _, s := range v {
		b.str(s)
	}
}

func (b *byteWriter) strMap(v map[string]string) {
	b.u32(uint32(len(v)))
	for k, val := range v {
		b.str(k)
		b.str(val)
	}
}

type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *byteReader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail(io.ErrUnexpectedEOF)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *byteReader) u8() uint8 {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) boolean() bool { return r.u8() != 0 }

func (r *byteReader) u64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *byteReader) u32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *byteReader) bytesField() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int(n) > len(r.buf)-r.off {
		r.fail(io.ErrUnexpectedEOF)
		return nil
	}
	b := r.need(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *byteReader) str() string { return string(r.bytesField()) }

func (r *byteReader) strSlice() []string {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = r.str()
	}
	return out
}

func (r *byteReader) strMap() map[string]string {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := r.str()
		v := r.str()
		out[k] = v
	}
	return out
}

func encodeRequest(buf *bytes.Buffer, req *PubSubRequest) {
	w := &byteWriter{buf: buf}
	w.u8(req.ProtocolVersion)
	w.u8(uint8(req.Op))
	w.str(req.Topic)
	w.str(req.TxnID)
	w.bool(req.ShouldClaim)
	w.strSlice(req.TriedServers)

	switch req.Op {
	case OpPublish:
		w.bytes(req.Publish.Payload)
	case OpSubscribe:
		s := req.Subscribe
		w.str(s.SubscriberID)
		w.u8(uint8(s.Mode))
		w.bool(s.Synchronous)
		w.bool(s.ForceAttach)
		w.bool(s.Preferences.HasBound)
		w.u32(s.Preferences.MessageBound)
		w.str(s.Preferences.MessageFilter)
		w.strMap(s.Preferences.Options)
	case OpUnsubscribe:
		w.str(req.Unsubscribe.SubscriberID)
	case OpConsume:
		w.str(req.Consume.SubscriberID)
		w.u64(req.Consume.SeqID)
	}
}

func decodeRequest(body []byte) (*PubSubRequest, error) {
	r := &byteReader{buf: body}
	req := &PubSubRequest{
		ProtocolVersion: r.u8(),
		Op:              OperationType(r.u8()),
	}
	req.Topic = r.str()
	req.TxnID = r.str()
	req.ShouldClaim = r.boolean()
	req.TriedServers = r.strSlice()

	switch req.Op {
	case OpPublish:
		req.Publish = &PublishRequest{Payload: r.bytesField()}
	case OpSubscribe:
		s := &SubscribeRequest{}
		s.SubscriberID = r.str()
		s.Mode = SubscribeMode(r.u8())
		s.Synchronous = r.boolean()
		s.ForceAttach = r.boolean()
		s.Preferences.HasBound = r.boolean()
		s.Preferences.MessageBound = r.u32()
		s.Preferences.MessageFilter = r.str()
		s.Preferences.Options = r.strMap()
		req.Subscribe = s
	case OpUnsubscribe:
		req.Unsubscribe = &UnsubscribeRequest{SubscriberID: r.str()}
	case OpConsume:
		req.Consume = &ConsumeRequest{SubscriberID: r.str(), SeqID: r.u64()}
	default:
		return nil, fmt.Errorf("wire: unknown op %d", req.Op)
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: decode request: %w", r.err)
	}
	return req, nil
}

func encodeResponse(buf *bytes.Buffer, resp *PubSubResponse) {
	w := &byteWriter{buf: buf}
	w.u8(resp.ProtocolVersion)
	w.u8(uint8(resp.Status))
	w.str(resp.StatusMsg)
	w.str(resp.TxnID)

	hasMessage := resp.Message != nil
	w.bool(hasMessage)
	if hasMessage {
		w.u64(resp.Message.SeqID)
		w.bytes(resp.Message.Payload)
	}
	hasBody := resp.ResponseBody != nil
	w.bool(hasBody)
	if hasBody {
		w.u64(resp.ResponseBody.PublishSeqID)
		w.u64(resp.ResponseBody.SubscribeStart)
	}
}

func decodeResponse(body []byte) (*PubSubResponse, error) {
	r := &byteReader{buf: body}
	resp := &PubSubResponse{
		ProtocolVersion: r.u8(),
		Status:          StatusCode(r.u8()),
	}
	resp.StatusMsg = r.str()
	resp.TxnID = r.str()

	if r.boolean() {
		resp.Message = &MessageFrame{SeqID: r.u64(), Payload: r.bytesField()}
	}
	if r.boolean() {
		resp.ResponseBody = &ResponseBody{
			PublishSeqID:   r.u64(),
			SubscribeStart: r.u64(),
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: decode response: %w", r.err)
	}
	return resp, nil
}
