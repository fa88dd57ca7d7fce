package webrtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(nil, 2)
	defer s.Close()

	_, err := s.HandleOffer([]byte("not json"))
	assert.ErrorContains(t, err, "parse offer")

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	assert.ErrorContains(t, err, "parse offer")
	assert.Equal(t, 0, s.ClientCount())
}

func TestSendStatusWithoutClients(t *testing.T) {
	s := NewServer([]string{"stun:127.0.0.1:3478"}, 1)
	s.SendStatus([]byte(`{"congestion":"LOW"}`))

	latest := s.latest.Load()
	require.NotNil(t, latest)
	assert.JSONEq(t, `{"congestion":"LOW"}`, string(*latest))
	assert.Empty(t, s.ClientStats())
}

func TestDataChannelReceivesStatus(t *testing.T) {
	s := NewServer([]string{}, 4)
	defer s.Close()
	s.SendStatus([]byte(`{"congestion":"HIGH"}`))

	connected := make(chan string, 1)
	s.OnConnect = func(id string) { connected <- id }

	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer peer.Close()

	dc, err := peer.CreateDataChannel(ChannelLabel, nil)
	require.NoError(t, err)
	received := make(chan string, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { received <- string(msg.Data) })

	offer, err := peer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(peer)
	require.NoError(t, peer.SetLocalDescription(offer))
	<-gathered

	offerJSON, err := json.Marshal(peer.LocalDescription())
	require.NoError(t, err)

	answerJSON, err := s.HandleOffer(offerJSON)
	require.NoError(t, err)
	assert.Len(t, <-connected, 36)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, peer.SetRemoteDescription(answer))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"congestion":"HIGH"}`, msg)
	case <-time.After(10 * time.Second):
		t.Skip("peer connection did not establish; no usable network interface")
	}

	s.SendStatus([]byte(`{"congestion":"LOW"}`))
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"congestion":"LOW"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("second status not delivered")
	}
}

func TestMaxClients(t *testing.T) {
	s := NewServer(nil, 1)
	s.clients["existing"] = &Client{id: "existing"}

	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrTooManyClients)
	delete(s.clients, "existing")
}
