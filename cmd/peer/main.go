// Command peer runs one side of a call session headless: it captures the local
// camera and microphone, negotiates through the signaling channel and reads
// control commands from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/televisit/internal/adapters/detector"
	"github.com/dkeye/televisit/internal/adapters/devices"
	"github.com/dkeye/televisit/internal/adapters/rtc"
	relay "github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/adapters/store"
	"github.com/dkeye/televisit/internal/app/call"
	"github.com/dkeye/televisit/internal/app/redact"
	"github.com/dkeye/televisit/internal/config"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

func main() {
	fs := pflag.NewFlagSet("peer", pflag.ExitOnError)
	session := fs.String("session", "", "call session id")
	self := fs.String("self", "", "own user id")
	roleName := fs.String("role", "patient", "patient or provider")
	blur := fs.Bool("blur", false, "start with face redaction on")
	fs.String("backend", "", "signaling backend: relay or redis")
	fs.String("signal-url", "", "relay websocket url")
	fs.String("redis-addr", "", "redis address for the redis backend")
	fs.String("log-level", "", "log level")
	fs.String("log-file", "", "rotating log file")
	fs.String("model-url", "", "face cascade url or path")
	_ = fs.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogger(cfg.Mode, cfg.Log)

	role, err := domain.ParseRole(*roleName)
	if err != nil {
		log.Fatal().Err(err).Msg("bad role")
	}
	sid, selfID := domain.SessionID(*session), domain.UserID(*self)
	if err := sid.Validate(); err != nil {
		log.Fatal().Err(err).Msg("bad --session")
	}
	if err := selfID.Validate(); err != nil {
		log.Fatal().Err(err).Msg("bad --self")
	}

	ch, lost, closeCh, err := openChannel(ctx, cfg, selfID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open signaling channel")
	}
	defer closeCh()

	dev, err := devices.New(devices.Options{}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up media devices")
	}

	rtcOpts := rtc.DefaultOptions()
	if len(cfg.ICEServers) > 0 {
		rtcOpts.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	rtcOpts.RegisterCodecs = dev.RegisterCodecs

	ctrl := call.New(call.Deps{
		Channel:     ch,
		Devices:     dev,
		Connections: rtc.NewFactory(rtcOpts, log.Logger),
		Detector:    detector.Loader(detectorOptions(cfg.Detector), log.Logger),
	}, call.Config{
		EndWriteTimeout: cfg.Call.EndWriteTimeout,
		Redaction: redact.Options{
			FrameInterval: cfg.Redaction.FrameInterval,
			BlurSigma:     cfg.Redaction.BlurSigma,
			Padding:       cfg.Redaction.Padding,
		},
	}, log.Logger)
	ctrl.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	})

	if err := ctrl.Start(ctx, sid, selfID, role); err != nil {
		log.Fatal().Err(err).Msg("call did not start")
	}
	if *blur {
		if _, err := ctrl.ToggleBlur(ctx); err != nil {
			log.Warn().Err(err).Msg("blur unavailable")
		}
	}

	go readCommands(ctx, ctrl)

	select {
	case <-ctx.Done():
		_ = ctrl.EndCall(context.Background())
	case <-lost:
		log.Warn().Msg("signaling connection lost")
		_ = ctrl.EndCall(context.Background())
	case <-ctrl.Done():
	}
	<-ctrl.Done()
	if err := ctrl.Err(); err != nil {
		log.Error().Err(err).Msg("call failed")
		os.Exit(1)
	}
	log.Info().Msg("call ended")
}

// openChannel returns the signaling channel plus a channel closed when it is lost.
func openChannel(ctx context.Context, cfg *config.Config, self domain.UserID) (core.Channel, <-chan struct{}, func(), error) {
	switch cfg.Signal.Backend {
	case "relay":
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := relay.Dial(dctx, cfg.Signal.URL, relay.ClientOptions{
			Header:    http.Header{"X-Client-Token": []string{string(self)}},
			ReadLimit: cfg.ReadLimit,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial %s: %w", cfg.Signal.URL, err)
		}
		return c, c.Done(), func() { _ = c.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return store.NewRedis(rdb, cfg.Redis.Prefix, cfg.Store.EndedTTL), nil, func() { _ = rdb.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("backend %q is not shared between peers, use relay or redis", cfg.Signal.Backend)
}

func detectorOptions(dc config.DetectorConfig) detector.Options {
	return detector.Options{
		ModelURL:         dc.ModelURL,
		CachePath:        dc.CachePath,
		MinSize:          dc.MinSize,
		MaxSize:          dc.MaxSize,
		ShiftFactor:      dc.ShiftFactor,
		ScaleFactor:      dc.ScaleFactor,
		IoUThreshold:     dc.IoUThreshold,
		QualityThreshold: dc.QualityThreshold,
		MaxWidth:         dc.MaxWidth,
	}
}

func readCommands(ctx context.Context, ctrl *call.Controller) {
	fmt.Fprintln(os.Stderr, "commands: mute | video | blur | retry | stats | end")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "mute":
			fmt.Printf("muted=%v\n", ctrl.ToggleMute())
		case "video":
			fmt.Printf("video_off=%v\n", ctrl.ToggleVideo())
		case "blur":
			on, err := ctrl.ToggleBlur(ctx)
			fmt.Printf("blur=%v err=%v\n", on, err)
		case "retry":
			fmt.Printf("retry err=%v\n", ctrl.RetrySignal(ctx))
		case "stats":
			printStats(ctrl)
		case "end":
			_ = ctrl.EndCall(ctx)
			return
		case "":
		default:
			fmt.Println("unknown command")
		}
	}
}

func printStats(ctrl *call.Controller) {
	fmt.Printf("session=%s state=%s muted=%v video_off=%v blur=%v\n",
		ctrl.Session(), ctrl.ConnectionState(), ctrl.IsMuted(), ctrl.IsVideoOff(), ctrl.IsBlurOn())
	fmt.Printf("negotiation=%+v\n", ctrl.Stats())
	fmt.Printf("redaction=%+v\n", ctrl.RedactionStats())
	for _, t := range ctrl.RemoteStream() {
		if rt, ok := t.(*rtc.RemoteTrack); ok {
			fmt.Printf("remote %s %s %+v\n", rt.Kind(), rt.ID(), rt.Stats())
		}
	}
}
