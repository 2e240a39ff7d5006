package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"homeswipe-client/internal/config"
	"homeswipe-client/internal/models"
	"homeswipe-client/internal/realtime"
	"homeswipe-client/internal/repository"
	"homeswipe-client/internal/services"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: homeswipe <command> [flags]

commands:
  login      sign in with email and password
  register   create an account
  logout     sign out and forget the stored session
  whoami     show the signed-in user
  profile    update name, email, city or state
  feed       swipe through listings with live like notifications
  likes      show unread likes (-read marks them read)
  matches    list conversations
  chat       open a conversation: chat <id>
  listings   list, create or delete your listings
  serve      run a local fake backend for demos
`

// Run loads configuration, wires the client and dispatches the subcommand
func Run() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	path := os.Getenv("HOMESWIPE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the root context on interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	name, args := os.Args[1], os.Args[2:]
	if name == "serve" {
		if err := serve(ctx, args); err != nil {
			log.Fatal().Err(err).Msg("Fake backend failed")
		}
		return
	}

	a, err := newApp(ctx, cfg, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start client")
	}
	defer a.close()

	if err := a.dispatch(ctx, name, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", services.UserMessage(err, err.Error()))
		a.close()
		os.Exit(1)
	}
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// app holds the wired client components of one CLI invocation
type app struct {
	cfg *config.Config
	in  *bufio.Reader
	out io.Writer

	storage    *repository.SQLiteStore
	session    *services.Session
	gw         *services.Gateway
	auth       *services.SessionStore
	rt         *realtime.Client
	channels   *services.ChannelManager
	feed       *services.Feed
	likes      *services.LikesCounter
	popup      *services.Popup
	notifier   *services.LikeNotifier
	chat       *services.Chat
	matches    *services.MatchService
	properties *services.PropertyService

	closed bool
}

func newApp(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (*app, error) {
	storage, err := repository.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	session := services.NewSession()
	gw := services.NewGateway(cfg.API.BaseURL, cfg.API.Timeout, session)
	auth := services.NewSessionStore(gw, session, storage)

	rt := realtime.NewClient(realtime.Options{
		URL:             cfg.Realtime.WSURL,
		AppKey:          cfg.Realtime.AppKey,
		ReconnectDelay:  cfg.Realtime.ReconnectDelay,
		ActivityTimeout: cfg.Realtime.ActivityTimeout,
	})

	a := &app{
		cfg:        cfg,
		in:         bufio.NewReader(in),
		out:        out,
		storage:    storage,
		session:    session,
		gw:         gw,
		auth:       auth,
		rt:         rt,
		channels:   services.NewChannelManager(rt, gw, session, cfg.Realtime.AuthPath),
		feed:       services.NewFeed(gw, storage),
		likes:      services.NewLikesCounter(gw),
		popup:      services.NewPopup(gw),
		chat:       services.NewChat(gw),
		matches:    services.NewMatchService(gw),
		properties: services.NewPropertyService(gw),
	}
	a.notifier = services.NewLikeNotifier(a.likes, a.popup, a.showLike)

	auth.OnSignedOut(func(expired bool) {
		a.channels.Close()
		if expired {
			fmt.Fprintln(a.out, "Your session has expired. Run `homeswipe login` to sign in again.")
		}
	})

	if err := auth.Init(ctx); err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	a.channels.Close()
	a.rt.Close()
	if err := a.storage.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close storage")
	}
}

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	case "logout":
		a.auth.Logout(ctx)
		fmt.Fprintln(a.out, "Signed out.")
		return nil
	case "whoami":
		return a.whoami()
	case "profile":
		return a.profile(ctx, args)
	case "feed":
		return a.runFeed(ctx, args)
	case "likes":
		return a.showLikes(ctx, args)
	case "matches":
		return a.listMatches(ctx)
	case "chat":
		return a.runChat(ctx, args)
	case "listings":
		return a.listings(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command %q", name)
	}
}

// requireUser returns the signed-in user or an error telling how to sign in
func (a *app) requireUser() (*models.User, error) {
	u := a.auth.CurrentUser()
	if !a.auth.IsAuthenticated() || u == nil {
		return nil, fmt.Errorf("not signed in, run `homeswipe login`")
	}
	return u, nil
}

// startRealtime connects the socket and joins the user channel
func (a *app) startRealtime(ctx context.Context, user *models.User, onMessage func(models.Message)) {
	if err := a.rt.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Realtime unavailable")
		return
	}
	handlers := services.UserHandlers{
		OnLike:    a.notifier.HandleLike,
		OnMessage: onMessage,
		OnNewConversation: func(c models.Conversation) {
			name := "someone"
			if c.OtherUser != nil {
				name = c.OtherUser.Name
			}
			fmt.Fprintf(a.out, "\n* New match with %s (conversation %d)\n", name, c.ID)
		},
	}
	// joining can wait for the socket; keep the prompt responsive
	go func() {
		err := a.channels.SubscribeToUserChannel(ctx, user.ID, handlers)
		if err != nil && ctx.Err() == nil && !errors.Is(err, services.ErrChannelLeft) {
			log.Warn().Err(err).Msg("Live notifications unavailable")
		}
	}()
}

func (a *app) showLike(n models.LikeNotification) {
	fmt.Fprintf(a.out, "\n♥ %s liked %q  [%s unread]  (a = accept match, d = dismiss)\n",
		n.Liker.Name, n.Property.Title, a.likes.Badge())
}

// prompt prints label and reads one trimmed line
func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// lines delivers stdin lines until ctx ends or input closes
func (a *app) lines(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			line, err := a.in.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" || err == nil {
				select {
				case ch <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
