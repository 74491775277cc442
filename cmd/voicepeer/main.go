package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/adapters/devices"
	"github.com/dkeye/voicemesh/internal/adapters/relay"
	"github.com/dkeye/voicemesh/internal/adapters/roster"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/session"
	"github.com/dkeye/voicemesh/internal/app/speaking"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const usage = "commands: join <channel> | leave | mute | deafen | share | unshare | devices | test | state | quit"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	self := domain.NewUserID()
	if cfg.Voice.UserID != "" {
		if self, err = domain.ParseUserID(cfg.Voice.UserID); err != nil {
			log.Fatal().Err(err).Msg("invalid voice.user_id")
		}
	}

	store, err := openRoster(cfg.Voice)
	if err != nil {
		log.Fatal().Err(err).Msg("roster store")
	}

	capturer, err := devices.NewCapturer(devices.CaptureConfig{})
	if err != nil {
		log.Fatal().Err(err).Msg("capture")
	}
	factory, err := rtc.NewFactory(rtc.Options{
		ICEServers:    cfg.Voice.ICEServers,
		LoggerFactory: rtc.NewLoggerFactory(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}

	audio := core.AudioConstraints{
		NoiseSuppression: cfg.Voice.Audio.NoiseSuppression,
		EchoCancellation: cfg.Voice.Audio.EchoCancellation,
		AutoGainControl:  cfg.Voice.Audio.AutoGainControl,
		SampleRate:       cfg.Voice.Audio.SampleRate,
		ChannelCount:     cfg.Voice.Audio.ChannelCount,
		SampleSize:       cfg.Voice.Audio.SampleSize,
	}
	speakCfg := speaking.DefaultConfig()
	speakCfg.Threshold = cfg.Voice.SpeakingThreshold

	sessCfg := session.Config{
		Self:         self,
		Relay:        relay.New(cfg.Voice.RelayURL, cfg.Voice.QueueSize),
		Roster:       store,
		Capture:      media.NewCapture(capturer),
		Factory:      factory,
		Decoders:     devices.OpusDecoders{},
		DeviceID:     cfg.Voice.InputDeviceID,
		Audio:        audio,
		Speaking:     speakCfg,
		PollInterval: cfg.Voice.PollInterval,
		QueueSize:    cfg.Voice.QueueSize,
	}
	speaker, err := devices.NewSpeaker(48000, 2)
	if err != nil {
		log.Warn().Err(err).Msg("no playback device, inbound audio is analysed only")
	} else {
		defer speaker.Close()
		sessCfg.Sink = speaker
	}

	ctl := session.New(sessCfg)
	log.Info().Str("self", self.String()).Str("relay", cfg.Voice.RelayURL).Msg("voice peer ready")
	fmt.Println(usage)

	p := &prompt{ctl: ctl, speaker: speaker, cfg: sessCfg}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.watch(gctx) })
	g.Go(func() error { return p.read(gctx, cancel) })
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		p.stopTest()
		return ctl.Close(closeCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("voice peer stopped")
		os.Exit(1)
	}
}

func openRoster(cfg config.VoiceConfig) (core.RosterStore, error) {
	if cfg.RosterDSN == "" {
		log.Info().Str("module", "roster").Msg("using in-memory roster")
		return roster.NewInMemoryRosterStore(), nil
	}
	db, err := roster.Connect(cfg.RosterDSN)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "roster").Msg("using postgres roster")
	return roster.NewPostgresRosterStore(db, cfg.RosterPollInterval), nil
}

type prompt struct {
	ctl     *session.Controller
	speaker *devices.Speaker
	cfg     session.Config

	mu   sync.Mutex
	test *media.MicTest
}

func (p *prompt) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-p.ctl.Notices():
			switch n.Kind {
			case session.NoticeStateChanged:
				fmt.Printf("state: %s channel=%q muted=%t deafened=%t sharing=%t\n",
					n.State.Conn, n.State.Channel, n.State.Muted, n.State.Deafened, n.State.ScreenSharing)
			case session.NoticeSpeakingChanged:
				fmt.Printf("%s speaking=%t\n", n.Peer, n.Speaking)
			case session.NoticeRosterUpdated:
				names := make([]string, 0, len(n.Roster))
				for _, r := range n.Roster {
					names = append(names, r.UserID.String())
				}
				fmt.Printf("roster: %s\n", strings.Join(names, ", "))
			case session.NoticeParticipantJoined:
				fmt.Printf("%s joined\n", n.Peer)
			case session.NoticeParticipantLeft:
				if p.speaker != nil {
					p.speaker.Forget(n.Peer)
				}
				fmt.Printf("%s left\n", n.Peer)
			default:
				if n.Err != nil {
					fmt.Printf("%s: %v\n", n.Kind, n.Err)
				}
			}
		}
	}
}

func (p *prompt) read(ctx context.Context, quit context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				quit()
				return nil
			}
			if done := p.exec(ctx, strings.Fields(line)); done {
				quit()
				return nil
			}
		}
	}
}

func (p *prompt) exec(ctx context.Context, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "join":
		if len(args) < 2 {
			fmt.Println("join <channel>")
			return false
		}
		var key domain.ChannelKey
		if key, err = domain.ParseChannelKey(args[1]); err == nil {
			err = p.ctl.Join(ctx, key)
		}
	case "leave":
		err = p.ctl.Leave(ctx)
	case "mute":
		var on bool
		if on, err = p.ctl.ToggleMute(ctx); err == nil {
			fmt.Printf("muted=%t\n", on)
		}
	case "deafen":
		var on bool
		if on, err = p.ctl.ToggleDeafen(ctx); err == nil {
			fmt.Printf("deafened=%t\n", on)
		}
	case "share":
		err = p.ctl.StartScreenShare(ctx)
		if errors.Is(err, media.ErrUserCancelled) {
			err = nil
		}
	case "unshare":
		err = p.ctl.StopScreenShare(ctx)
	case "devices":
		var list []core.DeviceInfo
		if list, err = p.ctl.Devices(ctx); err == nil {
			for _, d := range list {
				fmt.Printf("%-12s %s %s\n", d.Kind, d.ID, d.Label)
			}
		}
	case "test":
		err = p.toggleTest(ctx)
	case "state":
		st := p.ctl.State()
		fmt.Printf("%s channel=%q speaking=%v links=%d streams=%d\n",
			st.Conn, st.Channel, st.Speaking, len(st.Links), len(p.ctl.Streams()))
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("%s: %v\n", args[0], err)
	}
	return false
}

// toggleTest starts or stops the microphone level meter.
func (p *prompt) toggleTest(ctx context.Context) error {
	p.mu.Lock()
	running := p.test != nil
	p.mu.Unlock()
	if running {
		p.stopTest()
		return nil
	}
	t, err := p.cfg.Capture.StartMicTest(ctx, p.cfg.DeviceID, p.cfg.Audio, p.cfg.Speaking, 250*time.Millisecond,
		func(level float64) { fmt.Printf("\rmic %5.1f%%", level) })
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.test = t
	p.mu.Unlock()
	return nil
}

func (p *prompt) stopTest() {
	p.mu.Lock()
	t := p.test
	p.test = nil
	p.mu.Unlock()
	if t != nil {
		t.Stop()
		fmt.Println()
	}
}
