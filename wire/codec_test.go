// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *PubSubRequest
	}{
		{
			name: "publish",
			req: &PubSubRequest{
				ProtocolVersion: ProtocolVersion,
				Op:              OpPublish,
				Topic:           "orders.created",
				TxnID:           "txn-1",
				Publish:         &PublishRequest{Payload: []byte("hello")},
			},
		},
		{
			name: "subscribe with preferences",
			req: &PubSubRequest{
				ProtocolVersion: ProtocolVersion,
				Op:              OpSubscribe,
				Topic:           "orders.created",
				ShouldClaim:     true,
				TriedServers:    []string{"host-a:9000", "host-b:9000"},
				Subscribe: &SubscribeRequest{
					SubscriberID: "consumer-1",
					Mode:         ModeCreateOrAttach,
					ForceAttach:  true,
					Preferences: SubscriptionPreferences{
						HasBound:      true,
						MessageBound:  1000,
						MessageFilter: "region=us",
						Options:       map[string]string{"ack": "manual"},
					},
				},
			},
		},
		{
			name: "unsubscribe",
			req: &PubSubRequest{
				ProtocolVersion: ProtocolVersion,
				Op:              OpUnsubscribe,
				Topic:           "orders.created",
				Unsubscribe:     &UnsubscribeRequest{SubscriberID: "consumer-1"},
			},
		},
		{
			name: "consume",
			req: &PubSubRequest{
				ProtocolVersion: ProtocolVersion,
				Op:              OpConsume,
				Topic:           "orders.created",
				Consume:         &ConsumeRequest{SubscriberID: "consumer-1", SeqID: 42},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			clientCodec := NewCodec(client)
			serverCodec := NewCodec(server)

			errCh := make(chan error, 1)
			go func() { errCh <- clientCodec.WriteRequest(tt.req) }()

			got, err := serverCodec.ReadRequest()
			require.NoError(t, err)
			require.NoError(t, <-errCh)
			assert.Equal(t, tt.req, got)
		})
	}
}

func TestCodec_ResponseRoundTrip(t *testing.T) {
	resp := &PubSubResponse{
		ProtocolVersion: ProtocolVersion,
		Status:          StatusSuccess,
		TxnID:           "txn-1",
		ResponseBody:    &ResponseBody{PublishSeqID: 7},
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCodec := NewCodec(client)
	serverCodec := NewCodec(server)

	errCh := make(chan error, 1)
	go func() { errCh <- serverCodec.WriteResponse(resp) }()

	got, err := clientCodec.ReadResponse()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, resp, got)
}

func TestCodec_RejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var lenBuf [4]byte
		lenBuf[0] = 0xFF
		lenBuf[1] = 0xFF
		lenBuf[2] = 0xFF
		lenBuf[3] = 0xFF
		_, _ = client.Write(lenBuf[:])
	}()

	serverCodec := NewCodec(server)
	_, err := serverCodec.ReadRequest()
	assert.Error(t, err)
}

func TestCodec_MessageFrame(t *testing.T) {
	resp := &PubSubResponse{
		ProtocolVersion: ProtocolVersion,
		Status:          StatusSuccess,
		Message:         &MessageFrame{SeqID: 99, Payload: []byte("payload-bytes")},
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCodec := NewCodec(client)
	serverCodec := NewCodec(server)

	errCh := make(chan error, 1)
	go func() { errCh <- serverCodec.WriteResponse(resp) }()

	got, err := clientCodec.ReadResponse()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, resp.Message.SeqID, got.Message.SeqID)
	assert.Equal(t, resp.Message.Payload, got.Message.Payload)
}
