package commands

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"

	"github.com/michalfoune/rizma-voice/cmd/rizma-voice/internal/config"
	"github.com/michalfoune/rizma-voice/pkg/audio"
	"github.com/michalfoune/rizma-voice/pkg/convo"
	"github.com/michalfoune/rizma-voice/pkg/fallback"
	"github.com/michalfoune/rizma-voice/pkg/kv"
	"github.com/michalfoune/rizma-voice/pkg/realtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a realtime voice conversation session",
	Long: `Start a realtime voice conversation session.

Microphone audio is read from --mic-pipe as length-prefixed opus frames
(2-byte big-endian length, then the frame). Assistant audio payloads are
written to --speaker-pipe as they arrive. Lines typed on stdin are sent as
text turns; Ctrl-D or "quit" ends the session.

With --ws the session runs over the WebSocket control connection instead of
the peer transport (text turns only, no media streams); this needs ws_url in
the configuration. With --manual-vad the client requests each response
itself instead of relying on server-side turn detection.

With --fallback, a response the endpoint reports as failed is retried once
over the plain HTTP pipeline using the same conversation memory.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

var (
	runMicPipe     string
	runSpeakerPipe string
	runFallback    bool
	runWS          bool
	runManualVAD   bool
)

func init() {
	runCmd.Flags().StringVar(&runMicPipe, "mic-pipe", "", "path to read length-prefixed opus frames from (optional)")
	runCmd.Flags().StringVar(&runSpeakerPipe, "speaker-pipe", "", "path to write assistant audio payloads to (optional)")
	runCmd.Flags().BoolVar(&runFallback, "fallback", false, "retry failed responses over the HTTP pipeline")
	runCmd.Flags().BoolVar(&runWS, "ws", false, "use the WebSocket control connection instead of the peer transport")
	runCmd.Flags().BoolVar(&runManualVAD, "manual-vad", false, "request responses explicitly instead of server-side turn detection")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.ResolveMemoryDir()})
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	memory := convo.New(store, "")
	memory.Reload(ctx)

	var speaker audio.Player = &discardPlayer{}
	if runSpeakerPipe != "" {
		f, err := os.OpenFile(runSpeakerPipe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("open speaker pipe: %w", err)
		}
		defer f.Close()
		speaker = &audio.WriterPlayer{W: f}
	}

	hooks := realtime.TurnHooks{
		SetStatus: func(s realtime.Status) {
			fmt.Fprintf(os.Stderr, "\r[%s]\n", s)
		},
		OnTurn: func(turn convo.Turn) {
			fmt.Printf("%s: %s\n", turn.Role, turn.Content)
		},
	}

	if runFallback {
		if cfg.APIKey == "" {
			return fmt.Errorf("--fallback requires api_key (or RIZMA_API_KEY)")
		}
		client := newOpenAIClient(cfg)
		pipeline := &fallback.Pipeline{
			Memory:       memory,
			Completer:    client,
			Synthesizer:  client,
			Player:       speaker,
			SystemPrompt: cfg.SystemPrompt,
			WindowPairs:  cfg.WindowPairs,
			OnTurn:       hooks.OnTurn,
		}
		hooks.OnResponseFailed = func(*realtime.ServerEvent) {
			if _, err := pipeline.Reply(ctx); err != nil {
				slog.Warn("fallback reply failed", "error", err)
			}
		}
	}

	serverVAD := cfg.ServerVAD && !runManualVAD

	if runWS {
		return runWSSession(ctx, cfg, memory, hooks, serverVAD)
	}
	return runPeerSession(ctx, cfg, memory, speaker, hooks, serverVAD)
}

func runPeerSession(ctx context.Context, cfg *config.Config, memory *convo.Store, speaker audio.Player, hooks realtime.TurnHooks, serverVAD bool) error {
	if cfg.SessionURL == "" || cfg.RealtimeURL == "" {
		return fmt.Errorf("session_url and realtime_url must be configured (see %s)", cfg.Dir())
	}

	mic, err := audio.NewMicrophone(newMicSource(runMicPipe))
	if err != nil {
		return fmt.Errorf("create microphone track: %w", err)
	}

	engine := realtime.NewEngine(realtime.EngineConfig{
		Provisioner: &realtime.Provisioner{
			SessionURL:  cfg.SessionURL,
			ExchangeURL: cfg.RealtimeURL,
		},
		Mic:          mic,
		Memory:       memory,
		Instructions: cfg.SystemPrompt,
		Voice:        cfg.Voice,
		ServerVAD:    serverVAD,
		Hooks:        hooks,
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			audio.NewSink(audio.TrackReader(track), speaker)
		},
	})

	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer engine.Close()

	return stdinLoop(ctx, cfg, memory, func(line string) error {
		return engine.SendText(ctx, line)
	})
}

func runWSSession(ctx context.Context, cfg *config.Config, memory *convo.Store, hooks realtime.TurnHooks, serverVAD bool) error {
	if cfg.WSURL == "" {
		return fmt.Errorf("ws_url must be configured for --ws (see %s)", cfg.Dir())
	}

	// Prefer a short-lived token from the provisioning proxy; fall back to
	// the configured key for direct connections.
	token := cfg.APIKey
	if cfg.SessionURL != "" {
		p := &realtime.Provisioner{SessionURL: cfg.SessionURL}
		key, err := p.EphemeralKey(ctx)
		if err != nil {
			return err
		}
		token = key
	}
	if token == "" {
		return fmt.Errorf("--ws requires session_url or api_key (or RIZMA_API_KEY)")
	}

	// The connection does not exist until the dial returns, but the turn
	// engine needs a response-request hook up front.
	var (
		connMu sync.Mutex
		conn   *realtime.WSConn
	)
	hooks.RequestResponse = func() error {
		connMu.Lock()
		c := conn
		connMu.Unlock()
		if c == nil {
			return realtime.ErrChannelNotOpen
		}
		return c.RequestResponse(nil)
	}

	turns := realtime.NewTurnEngine(memory, serverVAD, hooks)

	dialed, err := realtime.DialWS(ctx, realtime.WSConfig{
		URL:   cfg.WSURL,
		Token: token,
		Session: realtime.ChannelConfig{
			Instructions: cfg.SystemPrompt,
			Voice:        cfg.Voice,
			ServerVAD:    serverVAD,
		},
		OnEvent: func(evt *realtime.ServerEvent) {
			turns.HandleEvent(ctx, evt)
		},
	})
	if err != nil {
		return err
	}
	connMu.Lock()
	conn = dialed
	connMu.Unlock()
	defer dialed.Close()

	return stdinLoop(ctx, cfg, memory, func(line string) error {
		if err := memory.Append(ctx, convo.RoleUser, line); err != nil {
			slog.Warn("persist typed turn", "error", err)
		}
		if err := dialed.SendTurn(line); err != nil {
			return err
		}
		if !serverVAD {
			return dialed.RequestResponse(nil)
		}
		return nil
	})
}

// stdinLoop reads text turns from stdin until EOF, "quit" or cancellation,
// compacting memory opportunistically between turns.
func stdinLoop(ctx context.Context, cfg *config.Config, memory *convo.Store, send func(string) error) error {
	limit := compactLimit(cfg.WindowPairs)
	var summarize convo.Summarizer
	if cfg.APIKey != "" {
		summarize = newOpenAIClient(cfg).Summarizer()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			break
		}
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			slog.Warn("send text turn", "error", err)
		}
		if summarize != nil && memory.ShouldCompact(limit) {
			if _, err := memory.Compact(ctx, summarize, limit); err != nil {
				slog.Warn("memory compaction failed", "error", err)
			}
		}
		if err := ctx.Err(); err != nil {
			break
		}
	}
	return scanner.Err()
}

func compactLimit(windowPairs int) int {
	if windowPairs <= 0 {
		windowPairs = convo.DefaultWindowPairs
	}
	// Keep one window of turns; everything older folds into the summary.
	return windowPairs * 2
}

// micSource reads length-prefixed opus frames from a pipe. Without a pipe
// it reports end of stream and the session is audio-downlink plus
// text-uplink.
type micSource struct {
	r io.ReadCloser
}

func newMicSource(path string) *micSource {
	if path == "" {
		return &micSource{}
	}
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("open mic pipe, continuing without uplink audio", "error", err)
		return &micSource{}
	}
	return &micSource{r: f}
}

func (s *micSource) ReadFrame() ([]byte, error) {
	if s.r == nil {
		return nil, io.EOF
	}
	var size uint16
	if err := binary.Read(s.r, binary.BigEndian, &size); err != nil {
		return nil, io.EOF
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(s.r, frame); err != nil {
		return nil, io.EOF
	}
	return frame, nil
}

func (s *micSource) Close() error {
	if s.r == nil {
		return nil
	}
	return s.r.Close()
}

type discardPlayer struct{}

func (*discardPlayer) Play([]byte) error { return nil }
