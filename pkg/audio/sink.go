package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Player consumes decoded or passthrough audio payloads for playback.
type Player interface {
	// Play handles one opus payload.
	Play(payload []byte) error
}

// PacketReader yields inbound RTP packets. It returns io.EOF when the
// underlying track ends.
type PacketReader func() (*rtp.Packet, error)

// TrackReader adapts a remote track to a PacketReader.
func TrackReader(track *webrtc.TrackRemote) PacketReader {
	return func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
}

// Sink drains RTP packets from a reader into a player until the stream ends.
type Sink struct {
	reader PacketReader
	player Player

	once sync.Once
	done chan struct{}
}

// NewSink creates a sink and starts draining immediately.
func NewSink(reader PacketReader, player Player) *Sink {
	s := &Sink{reader: reader, player: player, done: make(chan struct{})}
	go s.drain()
	return s
}

// Done is closed when the stream ends.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) drain() {
	defer s.once.Do(func() { close(s.done) })
	for {
		pkt, err := s.reader()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("audio: sink read ended", "error", err)
			}
			return
		}
		if pkt == nil || len(pkt.Payload) == 0 {
			continue
		}
		if err := s.player.Play(pkt.Payload); err != nil {
			slog.Warn("audio: play failed", "error", err)
		}
	}
}

// WriterPlayer writes payloads to an io.Writer, for piping into an external
// playback process or a file.
type WriterPlayer struct {
	W io.Writer
}

func (p *WriterPlayer) Play(payload []byte) error {
	_, err := p.W.Write(payload)
	return err
}
