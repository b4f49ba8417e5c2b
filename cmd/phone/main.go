package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/invitation"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/devices"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driving/cli"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var iceFile string
	flags := pflag.NewFlagSet("yacall-phone", pflag.ContinueOnError)
	flags.StringVarP(&cfg.Phone.SignalingURL, "url", "u", cfg.Phone.SignalingURL, "signaling relay websocket URL")
	flags.StringVar(&cfg.Phone.UserID, "user", cfg.Phone.UserID, "user id to register as")
	flags.StringVar(&cfg.Phone.UserName, "name", cfg.Phone.UserName, "display name")
	flags.StringVar(&cfg.Phone.Token, "token", cfg.Phone.Token, "signaling token")
	flags.BoolVar(&cfg.Phone.AutoAccept, "auto-accept", cfg.Phone.AutoAccept, "answer incoming calls automatically")
	flags.StringVar(&iceFile, "ice-config", "", "YAML file listing STUN/TURN servers")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if iceFile != "" {
		if cfg.ICE, err = config.LoadICEFile(iceFile); err != nil {
			return err
		}
	}
	if cfg.Phone.UserID == "" {
		return errors.New("a user id is required (--user or USER_ID)")
	}

	cfg.Log.SetupLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selector, err := newCodecSelector()
	if err != nil {
		return err
	}
	transports, err := pion.NewFactory(pion.WithCodecs(populate(selector)))
	if err != nil {
		return fmt.Errorf("transport factory: %w", err)
	}

	media := service.NewMediaSession(devices.New(selector), mediaDefaults(cfg.Media))
	defer media.Stop()
	media.WatchDevices(ctx)

	self := domain.Party{ID: domain.UserID(cfg.Phone.UserID), Name: cfg.Phone.UserName}
	signaling := ws.NewClient(ws.ClientConfig{
		URL:   cfg.Phone.SignalingURL,
		Token: cfg.Phone.Token,
		Self:  self,
	})

	var ringerOpts []invitation.Option
	if cfg.Phone.AutoAccept {
		ringerOpts = append(ringerOpts, invitation.WithAutoAccept(time.Second, false))
	}
	ringer := invitation.New(cfg.Call.InvitationTimeout, ringerOpts...)

	calls := service.NewCallService(signaling, ringer, media, transports, service.CallConfig{
		Local:                self,
		ICE:                  cfg.ICE,
		MaxReconnectAttempts: cfg.Call.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Call.ReconnectBackoff,
		AttemptTimeout:       cfg.Call.AttemptTimeout,
		EventBuffer:          cfg.Call.EventBuffer,
	})

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = signaling.Connect(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Phone.SignalingURL, err)
	}
	defer func() {
		if err := signaling.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Disconnect failed")
		}
	}()

	log.Info().
		Str("user_id", self.ID.String()).
		Str("url", cfg.Phone.SignalingURL).
		Msg("Registered with signaling relay")

	err = cli.NewConsole(calls, media, os.Stdin, os.Stdout).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func mediaDefaults(m config.MediaConfig) service.MediaDefaults {
	d := service.DefaultMediaDefaults()
	d.EchoCancellation = m.EchoCancellation
	d.NoiseSuppression = m.NoiseSuppression
	d.AutoGainControl = m.AutoGainControl
	d.Width = m.Width
	d.Height = m.Height
	d.FrameRate = m.FrameRate
	return d
}
