package main

import (
	"context"
	"errors"
	"fmt"

	"bken/voice/internal/remote"
	"bken/voice/internal/rtc"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// loopback is a pair of in-process peer connections: the local transmission
// stream is published on one and analyzed as a remote participant on the
// other.
type loopback struct {
	send  *webrtc.PeerConnection
	recv  *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
}

func newLoopback(ctx context.Context, log *zap.Logger, tracker *remote.Tracker, userID string) (*loopback, error) {
	api, err := loopbackAPI()
	if err != nil {
		return nil, err
	}

	send, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("sender peer connection: %w", err)
	}
	recv, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("receiver peer connection: %w", err)
	}
	lb := &loopback{send: send, recv: recv}

	lb.track, err = rtc.NewLocalTrack(userID)
	if err != nil {
		lb.Close()
		return nil, err
	}
	if _, err := rtc.AddTrack(send, lb.track); err != nil {
		lb.Close()
		return nil, err
	}
	rtc.OnTrack(ctx, log, recv, tracker, func(*webrtc.TrackRemote) string { return userID })

	if err := lb.negotiate(); err != nil {
		lb.Close()
		return nil, err
	}
	log.Info("loopback connected")
	return lb, nil
}

// loopbackAPI is the default pion stack with loopback ICE candidates
// enabled, since both ends live in this process.
func loopbackAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)), nil
}

// negotiate exchanges SDP directly, waiting for full ICE gathering so no
// trickle signaling is needed.
func (lb *loopback) negotiate() error {
	offer, err := lb.send.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(lb.send)
	if err := lb.send.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	<-gathered
	if err := lb.recv.SetRemoteDescription(*lb.send.LocalDescription()); err != nil {
		return fmt.Errorf("remote offer: %w", err)
	}

	answer, err := lb.recv.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered = webrtc.GatheringCompletePromise(lb.recv)
	if err := lb.recv.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	<-gathered
	if err := lb.send.SetRemoteDescription(*lb.recv.LocalDescription()); err != nil {
		return fmt.Errorf("remote answer: %w", err)
	}
	return nil
}

// Publish sends packets on the loopback track until packets closes or ctx
// is done.
func (lb *loopback) Publish(ctx context.Context, packets <-chan []byte) error {
	return rtc.Publish(ctx, lb.track, packets)
}

func (lb *loopback) Close() error {
	return errors.Join(lb.send.Close(), lb.recv.Close())
}
