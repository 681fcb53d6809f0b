// Command perso-chat is a terminal chat client for a Perso Interactive
// session. It mints a session, connects the data channel over a websocket
// tunnel, and relays stdin lines to the avatar's LLM.
//
// Usage:
//
//	go run cmd/perso-chat/main.go -model-style jonas-black -prompt p-123
//
// Configuration comes from flags plus a .env file / environment:
//
//	PERSO_API_SERVER  API server base URL
//	PERSO_API_KEY     API key
//	PERSO_CHANNEL_URL websocket URL of the session data channel tunnel
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/perso-ai/perso-interactive-go/pkg/live/channel"
	"github.com/perso-ai/perso-interactive-go/pkg/live/metrics"
	"github.com/perso-ai/perso-interactive-go/pkg/live/state"
	perso "github.com/perso-ai/perso-interactive-go/sdk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "perso-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		apiServer   = flag.String("api-server", os.Getenv("PERSO_API_SERVER"), "Perso API server URL")
		channelURL  = flag.String("channel-url", os.Getenv("PERSO_CHANNEL_URL"), "websocket URL of the session data channel")
		modelStyle  = flag.String("model-style", "", "avatar model style name")
		promptID    = flag.String("prompt", "", "prompt ID")
		llmType     = flag.String("llm", "", "LLM type name (enables the LLM capability)")
		ttsType     = flag.String("tts", "", "TTS type name (enables the TTS capability)")
		sttType     = flag.String("stt", "", "STT type name (enables the STT capability)")
		listOnly    = flag.Bool("list", false, "list available settings and exit")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *apiServer == "" {
		return fmt.Errorf("missing -api-server (or PERSO_API_SERVER)")
	}
	apiKey := os.Getenv("PERSO_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("missing PERSO_API_KEY")
	}

	m := metrics.NewMetrics("perso")
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	client := perso.NewClient(*apiServer,
		perso.WithAPIKey(apiKey),
		perso.WithLogger(logger),
		perso.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *listOnly {
		return listSettings(ctx, client)
	}
	if *modelStyle == "" || *promptID == "" {
		return fmt.Errorf("missing -model-style or -prompt (try -list)")
	}
	if *channelURL == "" {
		return fmt.Errorf("missing -channel-url (or PERSO_CHANNEL_URL)")
	}

	sessionID, err := client.Sessions.Create(ctx, perso.CreateSessionParams{
		UsingSTFWebRTC: true,
		ModelStyle:     *modelStyle,
		Prompt:         *promptID,
		LLMType:        *llmType,
		TTSType:        *ttsType,
		STTType:        *sttType,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	logger.Info("session created", "session_id", sessionID)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, err := channel.Dial(dialCtx, *channelURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}

	ch := channel.New(conn, channel.Config{Logger: logger, Metrics: m})
	// The websocket tunnel carries the media stream alongside the control
	// traffic, so readiness is satisfied by the tunnel itself.
	ch.AttachStream(channel.Stream{ID: "tunnel-0", Kind: "video"})

	session, err := client.NewSession(ctx, sessionID, ch, perso.SessionOptions{
		Width:  640,
		Height: 480,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if err := client.Sessions.SendEvent(ctx, sessionID, "CONNECTED"); err != nil {
		logger.Warn("session event failed", "error", err)
	}

	session.SubscribeChatLog(func(log []perso.Chat) {
		if len(log) == 0 || log[0].IsUser {
			return
		}
		fmt.Printf("\navatar> %s\n> ", log[0].Text)
	})
	session.SubscribeChatStates(func(set state.Set) {
		logger.Debug("chat states", "active", set.States())
	})
	session.SetErrorHandler(func(err error) {
		fmt.Fprintf(os.Stderr, "\nerror: %v\n> ", err)
	})

	closed := make(chan struct{})
	session.OnClose(func(manual bool) {
		if !manual {
			// Fetch the post-mortem to explain the drop.
			info, err := client.Sessions.Get(context.Background(), sessionID)
			if err == nil {
				fmt.Fprintf(os.Stderr, "\nsession lost: %s\n", info.TerminationReason)
			} else {
				fmt.Fprintf(os.Stderr, "\nsession lost\n")
			}
		}
		close(closed)
	})

	if intro, err := client.Settings.GetIntroMessage(ctx, *promptID); err == nil && intro != "" {
		session.Speak(intro)
	}

	fmt.Println("Connected. Type a message; /cancel interrupts, /quit exits.")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
			case "/quit":
				session.Close()
				return
			case "/cancel":
				if err := session.CancelPendingSpeech(); err != nil {
					logger.Warn("cancel failed", "error", err)
				}
			default:
				session.SendText(line)
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-closed
	case <-closed:
	}
	return nil
}

func listSettings(ctx context.Context, client *perso.Client) error {
	settings, err := client.Settings.GetAll(ctx)
	if err != nil {
		return err
	}
	fmt.Println("model styles:")
	for _, ms := range settings.ModelStyles {
		fmt.Printf("  %s (model %s, style %s)\n", ms.Name, ms.Model, ms.Style)
	}
	fmt.Println("prompts:")
	for _, p := range settings.Prompts {
		fmt.Printf("  %s  %s\n", p.PromptID, p.Name)
	}
	fmt.Println("llm types:")
	for _, llm := range settings.LLMs {
		fmt.Printf("  %s\n", llm.Name)
	}
	fmt.Println("tts types:")
	for _, tts := range settings.TTSs {
		fmt.Printf("  %s (%s, speaker %s)\n", tts.Name, tts.Service, tts.Speaker)
	}
	fmt.Println("stt types:")
	for _, stt := range settings.STTs {
		fmt.Printf("  %s (%s)\n", stt.Name, stt.Service)
	}
	return nil
}
