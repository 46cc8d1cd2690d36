package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/room4-2/OpenTranslate/config"
	"github.com/room4-2/OpenTranslate/handshake"
	"github.com/room4-2/OpenTranslate/media"
	"github.com/room4-2/OpenTranslate/orchestrator"
	"github.com/room4-2/OpenTranslate/realtime"
	"github.com/room4-2/OpenTranslate/video"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `Usage: client create [flags]
       client join CODE [flags]

Flags:
`

type options struct {
	server        string
	lang          string
	target        string
	audio         string
	loop          bool
	camera        string
	text          string
	sox           string
	transcription bool
	debug         bool
}

func parseFlags(cfg *config.ClientConfig) (*options, []string) {
	opts := &options{}
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.server, "server", cfg.ServerURL, "server base URL")
	fs.StringVarP(&opts.lang, "lang", "l", cfg.UserLang, "language you speak")
	fs.StringVarP(&opts.target, "target", "t", cfg.TargetLang, "language to translate into")
	fs.StringVarP(&opts.audio, "audio", "a", "", "PCM or WAV file streamed as microphone input")
	fs.BoolVar(&opts.loop, "loop", false, "restart the audio file when it ends")
	fs.StringVarP(&opts.camera, "camera", "c", "", "JPEG or PNG still uploaded as camera frames")
	fs.StringVar(&opts.text, "text", "", "text message sent once the session is ready")
	fs.StringVar(&opts.sox, "sox", "sox", "sox binary used for playback")
	fs.BoolVar(&opts.transcription, "transcription", cfg.EnableTranscription, "request input transcription")
	fs.BoolVar(&opts.debug, "debug", cfg.Debug, "development logging")
	fs.Parse(os.Args[1:])
	return opts, fs.Args()
}

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	opts, args := parseFlags(cfg)
	if len(args) == 0 || (args[0] == "join" && len(args) < 2) || (args[0] != "create" && args[0] != "join") {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := zap.Must(zap.NewProduction())
	if opts.debug {
		logger = zap.Must(zap.NewDevelopment())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, opts, args, os.Stdout, os.Stderr, logger)
	stop()
	logger.Sync()
	os.Exit(code)
}

// run drives one session and returns the process exit code
func run(ctx context.Context, cfg *config.ClientConfig, opts *options, args []string, stdout, stderr io.Writer, logger *zap.Logger) int {
	capture := media.NewFileCapture(opts.audio, nil, logger)
	capture.Loop = opts.loop
	player := media.NewSoxPlayer(opts.sox, media.DefaultPlaybackRate, logger)

	ready := make(chan string, 1)
	hooks := orchestrator.Hooks{
		OnReady: func(partner string) {
			select {
			case ready <- partner:
			default:
			}
		},
		OnError:               func(msg string) { fmt.Fprintf(stderr, "error: %s\n", msg) },
		OnAssistantTranscript: func(delta string) { fmt.Fprint(stdout, delta) },
		OnUserTranscript:      func(text string) { fmt.Fprintf(stdout, "\n> %s\n", text) },
		OnResponseDone:        func() { fmt.Fprintln(stdout) },
		OnGroundingFiles: func(files []orchestrator.GroundingFile) {
			names := make([]string, len(files))
			for i, f := range files {
				names[i] = f.Name
			}
			fmt.Fprintf(stdout, "\n[sources: %s]\n", strings.Join(names, ", "))
		},
	}

	orch := orchestrator.New(orchestrator.Config{
		ServerURL:           opts.server,
		LocalLanguage:       opts.lang,
		TargetLanguage:      opts.target,
		EnableTranscription: opts.transcription,
		PollInterval:        cfg.PollInterval,
		FrameInterval:       cfg.FrameInterval,
	},
		handshake.NewClient(opts.server, nil, logger),
		realtime.NewChannel(realtime.Config{ReconnectDelay: cfg.ReconnectDelay}, logger),
		capture,
		player,
		video.NewHTTPUploader(opts.server, nil),
		hooks,
		logger,
	)
	defer orch.Close()

	var err error
	if args[0] == "create" {
		err = orch.CreateSession(ctx)
	} else {
		err = orch.JoinSession(ctx, args[1])
	}
	if err != nil {
		// already shown through OnError
		logger.Debug("Handshake failed", zap.Error(err))
		return 1
	}

	fmt.Fprintf(stdout, "Session code: %s\n", orch.Session().Key())
	fmt.Fprintln(stdout, "Waiting for partner...")

	select {
	case partner := <-ready:
		fmt.Fprintf(stdout, "Partner joined (%s)\n", partner)
	case <-ctx.Done():
		return 0
	}

	if opts.audio != "" {
		if err := orch.StartListening(ctx); err != nil {
			logger.Error("Failed to start listening", zap.Error(err))
		}
	}
	if opts.camera != "" {
		if err := orch.StartCamera(ctx, media.NewImageFileSource("camera", opts.camera)); err != nil {
			logger.Error("Failed to start camera", zap.Error(err))
		}
	}
	if opts.text != "" {
		if err := orch.SendText(opts.text); err != nil {
			logger.Error("Failed to send text", zap.Error(err))
		}
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "Closing session")
	return 0
}
