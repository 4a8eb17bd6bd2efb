package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/core/services"
	"callmesh/internal/infrastructure/media"
	"callmesh/internal/infrastructure/media/codecs"
	"callmesh/internal/infrastructure/monitoring"
	signalinfra "callmesh/internal/infrastructure/signal"
	webrtcinfra "callmesh/internal/infrastructure/webrtc"
	"callmesh/pkg/config"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"
	"callmesh/pkg/utils"
	"callmesh/pkg/validation"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type options struct {
	configPath  string
	sessionFile string
	relayURL    string
	sessionID   string
	peerID      string
	displayName string
	role        string
	peers       string
	scheduledAt string
	duration    time.Duration
	quality     string
	camera      string
	microphone  string
	noVideo     bool
	noAudio     bool
	metricsAddr string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "configs/config.yaml", "path to config.yaml")
	flag.StringVar(&o.sessionFile, "session-file", "", "JSON session description; flags below override it")
	flag.StringVar(&o.relayURL, "relay", "ws://localhost:8081/ws", "signaling relay websocket URL")
	flag.StringVar(&o.sessionID, "session", "", "session id")
	flag.StringVar(&o.peerID, "peer", "", "local peer id (generated when empty)")
	flag.StringVar(&o.displayName, "name", "", "local display name")
	flag.StringVar(&o.role, "role", string(domain.RoleJoiner), "local role: initiator or joiner")
	flag.StringVar(&o.peers, "peers", "", "other participants as id=role[:name], comma separated")
	flag.StringVar(&o.scheduledAt, "scheduled-at", "", "scheduled start, RFC3339 (defaults to now)")
	flag.DurationVar(&o.duration, "duration", time.Hour, "scheduled call length")
	flag.StringVar(&o.quality, "quality", "", "capture quality: low, medium or high")
	flag.StringVar(&o.camera, "camera", "", "camera device id")
	flag.StringVar(&o.microphone, "microphone", "", "microphone device id")
	flag.BoolVar(&o.noVideo, "no-video", false, "join without camera")
	flag.BoolVar(&o.noAudio, "no-audio", false, "join without microphone")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(opts, cfg, log); err != nil {
		log.Errorw("call agent failed", "error", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config, log *zap.SugaredLogger) error {
	info, err := sessionInfo(opts)
	if err != nil {
		return err
	}
	mediaCfg, err := mediaConfig(opts, cfg)
	if err != nil {
		return err
	}
	log = log.With("session_id", info.SessionID, "peer_id", info.LocalPeer.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	registry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(registry)
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	// Media
	selector, err := codecs.NewSelector(codecs.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create codecs: %w", err)
	}
	platform := media.NewPlatform(selector, log)
	devices := services.NewDeviceManager(platform, collector, log)
	defer devices.Close()

	webrtcCfg := webrtcinfra.ConfigFromSettings(cfg)
	webrtcCfg.RegisterCodecs = platform.RegisterCodecs
	factory, err := webrtcinfra.NewFactory(webrtcCfg, log)
	if err != nil {
		return fmt.Errorf("failed to create peer connection factory: %w", err)
	}

	// Signaling
	channel, err := signalinfra.DialWebSocket(ctx, signalinfra.ChannelConfig{
		URL:          opts.relayURL,
		SessionID:    info.SessionID,
		PeerID:       info.LocalPeer.ID,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Dial:         cfg.Call.SignalingRetry,
	}, log)
	if err != nil {
		return err
	}
	defer channel.Close()
	channel.OnError(func(frame apperrors.Frame) {
		log.Warnw("relay rejected a message", "code", frame.Code, "message", frame.Message, "context", frame.Context)
	})

	ended := make(chan struct{})
	session, err := services.NewCallSession(services.SessionConfig{
		Info:                   info,
		NegotiationTimeout:     cfg.Call.NegotiationTimeout,
		JoinWindow:             cfg.Call.JoinWindow,
		DurationTick:           cfg.Call.DurationTick,
		Quality:                domain.QualityTier(cfg.Call.Quality),
		AllowVideoOnlyFallback: cfg.Call.AllowVideoOnlyFallback,
		SignalingRetry:         cfg.Call.SignalingRetry,
		SignalingBreaker:       cfg.Call.SignalingBreaker,
	}, services.SessionDeps{
		Devices:     devices,
		PeerFactory: factory,
		Signaling:   channel,
		Events:      eventLogger(log, collector),
		Metrics:     collector,
		Logger:      log,
		OnEnded:     func(domain.SessionID) { close(ended) },
	})
	if err != nil {
		return err
	}

	devs := session.EnumerateDevices(ctx)
	for _, list := range [][]domain.MediaDeviceDescriptor{devs.Cameras, devs.Microphones, devs.Speakers} {
		for _, d := range list {
			log.Infow("device", "kind", d.Kind, "id", d.DeviceID, "label", d.Label)
		}
	}

	if err := session.StartSetup(info.LocalPeer.ID, time.Now()); err != nil {
		return err
	}
	if err := session.Preview(ctx, mediaCfg); err != nil {
		return err
	}
	if info.LocalPeer.Role == domain.RoleInitiator {
		err = session.StartCall(ctx, mediaCfg)
	} else {
		err = session.JoinCall(ctx, mediaCfg)
	}
	if err != nil {
		return err
	}
	log.Infow("in call", "role", info.LocalPeer.Role)

	go readCommands(ctx, session, log)
	go pollStats(ctx, session, cfg.Monitoring.MetricsInterval)

	select {
	case <-ctx.Done():
		log.Info("hanging up")
	case <-channel.Done():
		log.Warn("relay connection lost, hanging up")
	case <-ended:
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.EndCall(endCtx); err != nil {
		log.Warnw("failed to end call cleanly", "error", err)
	}
	log.Infow("call ended", "duration", utils.FormatCallClock(session.Duration()))
	return nil
}

func eventLogger(log *zap.SugaredLogger, collector *monitoring.PrometheusCollector) ports.EventSink {
	return ports.EventSinkFunc(func(e domain.Event) {
		switch e.Type {
		case domain.EventStageChanged:
			log.Infow("stage changed", "stage", e.Stage)
		case domain.EventConnectionStateChanged:
			log.Infow("link state", "remote", e.PeerID, "state", e.ConnectionState)
		case domain.EventParticipantJoined:
			log.Infow("participant joined", "remote", e.PeerID)
		case domain.EventParticipantLeft:
			log.Infow("participant left", "remote", e.PeerID)
			collector.ForgetLink(e.PeerID)
		case domain.EventParticipantUpdated:
			if p := e.Participant; p != nil {
				log.Infow("participant updated", "remote", p.ID, "video", p.VideoEnabled, "audio", p.AudioEnabled)
			}
		case domain.EventRemoteStream:
			if s := e.Stream; s != nil {
				log.Infow("remote stream", "remote", e.PeerID, "tracks", len(s.Tracks()))
			}
		case domain.EventScreenShareChanged:
			log.Infow("screen share", "sharing", e.Sharing)
		case domain.EventPermissionChanged:
			log.Infow("permission", "capability", e.Capability, "state", e.Permission)
		case domain.EventDuration:
			log.Debugw("call clock", "elapsed", utils.FormatCallClock(e.Duration))
		case domain.EventError:
			log.Warnw("call error", "error", e.Err, "message", e.Message)
		default:
			log.Debugw("call event", "type", e.Type, "remote", e.PeerID)
		}
	})
}

// readCommands drives the call from stdin, one command per line.
func readCommands(ctx context.Context, session *services.CallSession, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "video":
			err = session.ToggleVideo(ctx)
		case "audio":
			err = session.ToggleAudio(ctx)
		case "share":
			err = session.StartScreenShare(ctx)
		case "unshare":
			err = session.StopScreenShare(ctx)
		case "camera", "microphone":
			if len(fields) != 2 {
				err = fmt.Errorf("usage: %s <device-id>", fields[0])
				break
			}
			kind := domain.TrackKindVideo
			if fields[0] == "microphone" {
				kind = domain.TrackKindAudio
			}
			err = session.SwitchDevice(ctx, kind, fields[1])
		case "who":
			for _, p := range session.Participants() {
				log.Infow("participant", "id", p.ID, "name", p.DisplayName, "video", p.VideoEnabled, "audio", p.AudioEnabled)
			}
		case "quit", "hangup":
			err = session.EndCall(ctx)
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			log.Warnw("command failed", "command", fields[0], "error", err)
		}
	}
}

func pollStats(ctx context.Context, session *services.CallSession, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.Stage() == domain.StageEnded {
				return
			}
			// LinkStats records every snapshot on the collector
			_, _ = session.LinkStats(ctx)
		}
	}
}

func sessionInfo(opts options) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	if opts.sessionFile != "" {
		data, err := os.ReadFile(opts.sessionFile)
		if err != nil {
			return info, fmt.Errorf("failed to read session file: %w", err)
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return info, fmt.Errorf("failed to parse session file: %w", err)
		}
	}

	if opts.sessionID != "" {
		info.SessionID = domain.SessionID(opts.sessionID)
	}
	if info.SessionID == "" {
		// an initiator may open a fresh session; joiners need to be told one
		if domain.Role(opts.role) != domain.RoleInitiator {
			return info, errors.New("a session id is required")
		}
		info.SessionID = domain.SessionID(utils.GenerateSessionID())
	}
	if opts.peerID != "" {
		info.LocalPeer.ID = domain.PeerID(opts.peerID)
	}
	if info.LocalPeer.ID == "" {
		info.LocalPeer.ID = domain.PeerID(utils.GeneratePeerID())
	}
	if opts.displayName != "" {
		info.LocalPeer.DisplayName = opts.displayName
	}
	if err := validation.ValidateDisplayName(info.LocalPeer.DisplayName); err != nil {
		return info, err
	}
	if info.LocalPeer.Role == "" || isFlagSet("role") {
		info.LocalPeer.Role = domain.Role(opts.role)
	}
	if !info.LocalPeer.Role.Valid() {
		return info, fmt.Errorf("invalid role %q", info.LocalPeer.Role)
	}

	if info.Participants == nil {
		info.Participants = make(map[domain.PeerID]domain.ParticipantInfo)
	}
	if opts.peers != "" {
		for _, entry := range strings.Split(opts.peers, ",") {
			p, err := parsePeer(strings.TrimSpace(entry))
			if err != nil {
				return info, err
			}
			info.Participants[p.ID] = p
		}
	}

	if opts.scheduledAt != "" {
		t, err := time.Parse(time.RFC3339, opts.scheduledAt)
		if err != nil {
			return info, fmt.Errorf("invalid scheduled-at: %w", err)
		}
		info.ScheduledAt = t
	}
	if info.ScheduledAt.IsZero() {
		info.ScheduledAt = time.Now()
	}
	if info.Duration == 0 {
		info.Duration = opts.duration
	}
	return info, nil
}

// parsePeer reads id=role or id=role:name.
func parsePeer(entry string) (domain.ParticipantInfo, error) {
	id, rest, ok := strings.Cut(entry, "=")
	if !ok || id == "" {
		return domain.ParticipantInfo{}, fmt.Errorf("invalid participant %q, want id=role[:name]", entry)
	}
	role, name, _ := strings.Cut(rest, ":")
	p := domain.ParticipantInfo{ID: domain.PeerID(id), Role: domain.Role(role), DisplayName: name}
	if !p.Role.Valid() {
		return p, fmt.Errorf("invalid role %q for participant %s", role, id)
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		return p, fmt.Errorf("participant %s: %w", id, err)
	}
	return p, nil
}

func mediaConfig(opts options, cfg *config.Config) (domain.LocalMediaConfiguration, error) {
	quality := cfg.Call.Quality
	if opts.quality != "" {
		quality = opts.quality
	}
	tier, err := domain.ParseQualityTier(quality)
	if err != nil {
		return domain.LocalMediaConfiguration{}, err
	}
	mc := domain.LocalMediaConfiguration{
		CameraDeviceID:     opts.camera,
		MicrophoneDeviceID: opts.microphone,
		Quality:            tier,
		VideoEnabled:       !opts.noVideo,
		AudioEnabled:       !opts.noAudio,
	}
	return mc, mc.Validate()
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
