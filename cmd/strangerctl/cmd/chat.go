package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/stranger-signaling/internal/client"
	"github.com/mossy-p/stranger-signaling/internal/models"
	"github.com/mossy-p/stranger-signaling/internal/negotiation"
)

var (
	flagServer     string
	flagInterests  []string
	flagTextOnly   bool
	flagSTUN       []string
	flagForceRelay bool
	flagRetries    int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Get matched with a stranger and chat",
	Long: `Join the matching queue and chat with the stranger you are paired with.

Lines typed on stdin are sent as chat messages. Commands:
  /skip     leave this stranger and find another
  /new      look for a stranger again after one left
  /mute     toggle the mute flag shown to your partner
  /camera   toggle the camera-off flag shown to your partner
  /quit     leave and exit

Examples:
  strangerctl chat --interests music,gaming
  strangerctl chat --server wss://example.com/ws --text-only`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func init() {
	chatCmd.Flags().StringVar(&flagServer, "server", envOr("STRANGER_SERVER", "ws://localhost:8080/ws"), "signaling server websocket URL")
	chatCmd.Flags().StringSliceVar(&flagInterests, "interests", nil, "comma-separated interests used for matching")
	chatCmd.Flags().BoolVar(&flagTextOnly, "text-only", false, "match only with text-only partners and skip media")
	chatCmd.Flags().StringSliceVar(&flagSTUN, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	chatCmd.Flags().BoolVar(&flagForceRelay, "relay", false, "only use TURN relay candidates")
	chatCmd.Flags().IntVar(&flagRetries, "retries", client.DefaultMaxReconnectAttempts, "reconnect attempts before going offline")
	rootCmd.AddCommand(chatCmd)
}

// readyHandler forwards to the session and signals once the server has
// assigned an identity.
type readyHandler struct {
	*client.Session
	once  sync.Once
	ready chan struct{}
}

func (h *readyHandler) HandleEnvelope(env models.Envelope) {
	h.Session.HandleEnvelope(env)
	if env.Type == models.EventSession {
		h.once.Do(func() { close(h.ready) })
	}
}

func runChat(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	defer cancel()

	logger := newLogger()
	transport := client.NewTransport(client.TransportOptions{
		URL:                  flagServer,
		MaxReconnectAttempts: flagRetries,
		Logger:               logger.WithField("component", "transport"),
	})

	var neg *negotiation.Negotiator
	opts := client.SessionOptions{
		Sender:   transport,
		Logger:   logger.WithField("component", "session"),
		Observer: printer(),
	}
	if !flagTextOnly {
		neg = newNegotiator(transport, logger)
		defer neg.Shutdown()
		opts.Negotiation = neg
	}
	session := client.NewSession(opts)

	h := &readyHandler{Session: session, ready: make(chan struct{})}
	runErr := make(chan error, 1)
	go func() { runErr <- transport.Run(ctx, h) }()

	select {
	case <-h.ready:
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}

	// leave tells the server we are done, then lets the transport close
	// the socket with a normal close handshake.
	leave := func() error {
		report(session.Disconnect())
		cancel()
		return <-runErr
	}

	fmt.Println("Connected. Looking for a stranger...")
	if err := session.StartMatching(flagInterests, flagTextOnly); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var muted, cameraOff bool
	for {
		select {
		case <-ctx.Done():
			return leave()
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			switch strings.TrimSpace(line) {
			case "":
			case "/quit":
				return leave()
			case "/skip":
				report(session.Skip())
				fmt.Println("Skipped. Looking for a stranger...")
			case "/new":
				report(session.StartMatching(flagInterests, flagTextOnly))
			case "/mute":
				muted = !muted
				report(session.SetMuted(muted))
			case "/camera":
				cameraOff = !cameraOff
				report(session.SetCameraOff(cameraOff))
			default:
				if err := session.SendMessage(line); errors.Is(err, client.ErrNotInRoom) {
					fmt.Println("(nobody to talk to; /new to look for someone)")
				} else {
					report(err)
				}
			}
		}
	}
}

func newNegotiator(signaler negotiation.Signaler, logger *logrus.Logger) *negotiation.Negotiator {
	servers := []models.ICEServer{{URLs: flagSTUN}}
	return negotiation.New(negotiation.Options{
		Factory:  negotiation.NewConnectionFactory(servers, flagForceRelay),
		Media:    negotiation.NoDevices{},
		Signaler: signaler,
		Logger:   logger.WithField("component", "negotiation"),
		Observer: negotiation.Observer{
			OnRemoteTrack: func(track *webrtc.TrackRemote) {
				fmt.Printf("* receiving %s from stranger\n", track.Kind())
				go drain(track)
			},
			OnConnectivity: func(s webrtc.PeerConnectionState) {
				fmt.Printf("* peer connection %s\n", s)
			},
			OnError: func(err error) {
				fmt.Printf("* negotiation problem: %v\n", err)
			},
		},
	})
}

// drain discards remote media; the terminal cannot render it.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func printer() client.Observer {
	return client.Observer{
		OnStatus: func(s client.Status) {
			switch s {
			case client.StatusWaiting:
				fmt.Println("* waiting for a stranger")
			case client.StatusPartnerLeft:
				fmt.Println("* stranger left. /new to find another, /quit to exit")
			case client.StatusOffline:
				fmt.Println("* lost connection to the server")
			}
		},
		OnMatched: func(m models.MatchedPayload) {
			mode := "video"
			if m.TextOnly {
				mode = "text"
			}
			fmt.Printf("* matched with a stranger (%s chat). Say hi!\n", mode)
		},
		OnMessage: func(m client.ChatMessage) {
			if m.Sender == client.SenderMe {
				return
			}
			fmt.Printf("stranger: %s\n", m.Text)
		},
		OnPartner: func(p client.PartnerState) {
			if p.Typing {
				fmt.Println("* stranger is typing...")
			}
		},
	}
}

func report(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
}
