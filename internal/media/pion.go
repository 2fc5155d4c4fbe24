// Package media adapts pion/webrtc peer connections to the call machine.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"entropy/internal/call"
	"entropy/internal/domain"
	"entropy/internal/wire"
)

// Engine opens pion peer connections with local opus and VP8 tracks.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logrus.Entry
}

var _ call.MediaEngine = (*Engine)(nil)

// NewEngine registers the default codecs and uses iceServers for every link.
func NewEngine(iceServers []string, log *logrus.Entry) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	var servers []webrtc.ICEServer
	for _, s := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{
			ICEServers:         servers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
			BundlePolicy:       webrtc.BundlePolicyMaxBundle,
			RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
		},
		log: log.WithField("component", "media"),
	}, nil
}

// Open creates a peer connection carrying audio, plus video for a video call.
func (e *Engine) Open(ctx context.Context, kind domain.MediaKind, events call.PeerEvents) (call.PeerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &link{pc: pc, log: e.log}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "entropy")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	l.tracks = append(l.tracks, audio)
	if kind == domain.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "entropy")
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		l.tracks = append(l.tracks, video)
	}
	for _, t := range l.tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		events.LocalCandidate(fromPion(c.ToJSON()))
	})
	var remote sync.Once
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.WithField("track", t.Kind().String()).Debug("remote track")
		remote.Do(events.RemoteTrack)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.log.WithField("state", s.String()).Debug("ice state")
		if s == webrtc.ICEConnectionStateFailed {
			events.Failed(fmt.Errorf("ice connection %s", s))
		}
	})
	return l, nil
}

type link struct {
	pc     *webrtc.PeerConnection
	tracks []*webrtc.TrackLocalStaticSample
	log    *logrus.Entry
}

// Tracks returns the local tracks so a capture source can write samples.
func (l *link) Tracks() []*webrtc.TrackLocalStaticSample { return l.tracks }

func (l *link) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sd, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(sd); err != nil {
		return "", err
	}
	return sd.SDP, nil
}

func (l *link) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sd, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(sd); err != nil {
		return "", err
	}
	return sd.SDP, nil
}

func (l *link) SetRemoteDescription(kind, sdp string) error {
	var typ webrtc.SDPType
	switch kind {
	case wire.SignalOffer:
		typ = webrtc.SDPTypeOffer
	case wire.SignalAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("media: unknown description kind %q", kind)
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
}

func (l *link) AddICECandidate(c wire.ICECandidate) error {
	return l.pc.AddICECandidate(toPion(c))
}

func (l *link) Close() error { return l.pc.Close() }

func fromPion(c webrtc.ICECandidateInit) wire.ICECandidate {
	return wire.ICECandidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}

func toPion(c wire.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}
