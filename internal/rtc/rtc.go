// Package rtc connects the voice pipeline to WebRTC peer connections: the
// capture session's Opus packets go out on a local track, and each remote
// audio track feeds a speaking detector.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bken/voice/internal/logging"
	"bken/voice/internal/remote"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// FrameDuration is the audio duration carried by one Opus packet.
const FrameDuration = 20 * time.Millisecond

// NewLocalTrack returns an Opus track for publishing the transmission
// stream. The payload is mono; SDP always signals Opus as 48000/2.
func NewLocalTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	return track, nil
}

// TrackAdder is the part of *webrtc.PeerConnection used to publish.
type TrackAdder interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
}

// AddTrack adds track to pc and drains RTCP from its sender so interceptors
// keep running.
func AddTrack(pc TrackAdder, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// SampleWriter is the part of *webrtc.TrackLocalStaticSample used by Publish.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// Publish writes every packet as a FrameDuration sample until packets is
// closed (returns nil) or ctx is done (returns ctx.Err()).
func Publish(ctx context.Context, w SampleWriter, packets <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if err := w.WriteSample(media.Sample{Data: pkt, Duration: FrameDuration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return fmt.Errorf("write sample: %w", err)
			}
		}
	}
}

// RTPReader is the part of *webrtc.TrackRemote used by Subscribe.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Subscribe feeds RTP payloads into tap until the track ends (returns nil),
// the tap is closed (returns nil) or ctx is done. Packets that fail to decode
// are skipped.
func Subscribe(ctx context.Context, r RTPReader, tap *remote.Tap) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := tap.WritePacket(pkt.Payload); err != nil {
			if errors.Is(err, remote.ErrClosed) {
				return nil
			}
			continue
		}
	}
}

// RemoteTrack is the part of *webrtc.TrackRemote used by HandleTrack.
type RemoteTrack interface {
	RTPReader
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
}

// ErrNotOpus is returned by HandleTrack for tracks it cannot analyze.
var ErrNotOpus = errors.New("rtc: not an opus audio track")

// HandleTrack attaches an inbound audio track to tracker as userID and
// blocks until the track ends, then detaches it.
func HandleTrack(ctx context.Context, log *zap.Logger, tracker *remote.Tracker, userID string, track RemoteTrack) error {
	log = logging.OrNop(log).With(zap.String("user", userID))
	if track.Kind() != webrtc.RTPCodecTypeAudio || !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		return ErrNotOpus
	}
	tap, err := tracker.Attach(userID)
	if err != nil {
		return err
	}
	defer tracker.DetachTap(userID, tap)

	log.Info("remote audio track attached")
	err = Subscribe(ctx, track, tap)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("remote audio track ended", zap.Error(err))
		return err
	}
	log.Info("remote audio track ended")
	return nil
}

// TrackHandler is the part of *webrtc.PeerConnection used by OnTrack.
type TrackHandler interface {
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
}

// OnTrack routes every inbound audio track on pc to tracker. userIDFor maps a
// track to its participant; by default the track's stream id is used.
func OnTrack(ctx context.Context, log *zap.Logger, pc TrackHandler, tracker *remote.Tracker, userIDFor func(*webrtc.TrackRemote) string) {
	if userIDFor == nil {
		userIDFor = func(t *webrtc.TrackRemote) string { return t.StreamID() }
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go HandleTrack(ctx, log, tracker, userIDFor(track), track)
	})
}
