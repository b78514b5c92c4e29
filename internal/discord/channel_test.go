package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

func newTestChannel(t *testing.T) (*Channel, *discordgo.VoiceConnection) {
	t.Helper()
	vc := &discordgo.VoiceConnection{GuildID: "g1", ChannelID: "v1"}
	vc.OpusRecv = make(chan *discordgo.Packet, 8)
	vc.OpusSend = make(chan []byte, 8)
	c := NewChannel(vc, ChannelOptions{
		Logger:       logging.Noop(),
		NewEncoder:   func(int) (Encoder, error) { return &fakeEncoder{}, nil },
		PollInterval: time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, vc
}

func recvPacket(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatalf("packet channel closed")
		}
		return p
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for packet")
	}
	return nil
}

// TestHandleSpeakingUpdateMapsSSRC verifies that speaking updates record the
// SSRC to user mapping used for routing.
func TestHandleSpeakingUpdateMapsSSRC(t *testing.T) {
	c, vc := newTestChannel(t)

	c.HandleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: "test-user-1", SSRC: 12345, Speaking: true})

	got, ok := c.UserForSSRC(12345)
	if !ok || got != "test-user-1" {
		t.Fatalf("ssrc mapping mismatch: want=test-user-1 got=%q ok=%v", got, ok)
	}

	c.HandleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: "", SSRC: 12345})
	if got, _ := c.UserForSSRC(12345); got != "test-user-1" {
		t.Fatalf("empty user id must not overwrite mapping, got=%q", got)
	}
}

func TestSubscribeRoutesBySSRC(t *testing.T) {
	c, vc := newTestChannel(t)
	c.HandleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 1})
	c.HandleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 2})

	sub, err := c.Subscribe("u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: []byte{1}}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 2, Opus: []byte{2}}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 3, Opus: []byte{3}}
	vc.OpusRecv <- nil
	vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: []byte{4}}

	if p := recvPacket(t, sub.Packets()); p[0] != 1 {
		t.Fatalf("first packet: want 1 got %d", p[0])
	}
	if p := recvPacket(t, sub.Packets()); p[0] != 4 {
		t.Fatalf("second packet: want 4 got %d", p[0])
	}
	select {
	case p := <-sub.Packets():
		t.Fatalf("unexpected packet %v", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReceiveStopEndsSubscriptions(t *testing.T) {
	c, vc := newTestChannel(t)
	sub, err := c.Subscribe("u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(vc.OpusRecv)

	select {
	case _, ok := <-sub.Packets():
		if ok {
			t.Fatalf("expected closed packet channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription did not end")
	}
	if !errors.Is(sub.Err(), ErrReceiveStopped) {
		t.Fatalf("Err: want ErrReceiveStopped got %v", sub.Err())
	}
}

func TestSubscriptionCloseIsClean(t *testing.T) {
	c, _ := newTestChannel(t)
	sub, err := c.Subscribe("u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-sub.Packets(); ok {
		t.Fatalf("expected closed packet channel")
	}
	if sub.Err() != nil {
		t.Fatalf("clean close should report nil, got %v", sub.Err())
	}
}

func TestCloseEndsSubscriptionsAndRejectsNewOnes(t *testing.T) {
	c, _ := newTestChannel(t)
	sub, err := c.Subscribe("u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Packets(); ok {
		t.Fatalf("expected closed packet channel")
	}
	if !errors.Is(sub.Err(), ErrChannelClosed) {
		t.Fatalf("Err: want ErrChannelClosed got %v", sub.Err())
	}
	if _, err := c.Subscribe("u1"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Subscribe after close: want ErrChannelClosed got %v", err)
	}
	if _, err := c.Playback(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Playback after close: want ErrChannelClosed got %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	c, vc := newTestChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady before ready: want deadline exceeded got %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		vc.Lock()
		vc.Ready = true
		vc.Unlock()
	}()
	if err := c.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestPlaybackEncodesIntoSendChannel(t *testing.T) {
	c, vc := newTestChannel(t)

	sink, err := c.Playback()
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	again, err := c.Playback()
	if err != nil || again != sink {
		t.Fatalf("Playback should reuse the live player")
	}

	if err := sink.Write(make([]byte, 3840)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case pkt := <-vc.OpusSend:
		if len(pkt) != 3840 {
			t.Fatalf("packet size: want 3840 got %d", len(pkt))
		}
	case <-time.After(time.Second):
		t.Fatalf("no packet sent")
	}
}
