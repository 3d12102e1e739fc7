package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Whiteboard/internal/client"
	"github.com/dkeye/Whiteboard/internal/domain"
	"github.com/dkeye/Whiteboard/internal/protocol"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flags := pflag.NewFlagSet("wbclient", pflag.ExitOnError)
	flags.String("server", "http://localhost:8080", "server base URL")
	flags.String("room", "", "room to join")
	flags.String("canvas", "", "image or data URL file to autosave every second")
	flags.Bool("create", false, "create the room before joining")
	flags.Int("max_attempts", 5, "reconnect attempts before giving up")
	flags.Duration("base_delay", time.Second, "first reconnect delay, doubled per attempt")
	flags.String("log_level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("WB_CLIENT")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal().Err(err).Msg("bind flags")
	}
	if lvl, err := zerolog.ParseLevel(v.GetString("log_level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	room, err := domain.ParseRoomID(v.GetString("room"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --room")
	}
	wsURL, err := socketURL(v.GetString("server"), room)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --server")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := client.NewCanvasAPI(v.GetString("server"))
	if err := api.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("server health check")
	}
	if v.GetBool("create") {
		if err := api.CreateRoom(ctx, room); err != nil {
			log.Warn().Err(err).Str("room", string(room)).Msg("create room")
		}
	}

	var session *client.Session
	session = client.NewSession(client.Options{
		URL:         wsURL,
		MaxAttempts: v.GetInt("max_attempts"),
		BaseDelay:   v.GetDuration("base_delay"),
		Dialer:      api.SocketDialer(),
		OnState: func(s client.State) {
			log.Info().Str("state", s.String()).Msg("session")
			if s == client.Open {
				_ = session.Send(protocol.RequestState{})
			}
		},
		OnMessage: func(m protocol.Message) {
			raw, _ := protocol.Encode(m)
			fmt.Println(string(raw))
		},
	})
	session.Start(ctx)

	if path := v.GetString("canvas"); path != "" {
		saver := client.NewAutoSaver(api, session, client.SaverOptions{
			Room:   room,
			Source: func() (string, error) { return readCanvas(path) },
		})
		go saver.Run(ctx)
	}

	go forwardStdin(session)

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-session.Done()
	case <-session.Done():
	}

	if err := session.Err(); err != nil {
		log.Error().Err(err).Msg("disconnected")
		os.Exit(1)
	}
	log.Info().Msg("bye")
}

func socketURL(server string, room domain.RoomID) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/whiteboard/" + url.PathEscape(string(room))
	return u.String(), nil
}

// readCanvas accepts a file holding a data URL or a raw image.
func readCanvas(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if text := strings.TrimSpace(string(raw)); strings.HasPrefix(text, "data:image/") {
		return text, nil
	}
	mime := http.DetectContentType(raw)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s: not an image (%s)", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

// forwardStdin sends every JSON line typed on stdin as a protocol message.
func forwardStdin(session *client.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			log.Warn().Err(err).Msg("bad input line")
			continue
		}
		if err := session.Send(msg); err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type())).Msg("send")
		}
	}
}
