package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/stealthchat/internal/config"
	"github.com/zulandar/stealthchat/internal/crypter"
	"github.com/zulandar/stealthchat/internal/session"
	"golang.org/x/term"
)

// leaveTimeout bounds the goodbye sequence after the user quits.
const leaveTimeout = 30 * time.Second

func newChatCmd() *cobra.Command {
	var (
		configPath string
		sid        string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or join a session and chat",
		Long: "Starts a new session, or joins --sid, then relays lines from stdin as encrypted\n" +
			"messages and prints decrypted messages from other members. End input (Ctrl-D) to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runChat(ctx, cmd, configPath, sid, name)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stealthchat.yaml", "path to config file")
	cmd.Flags().StringVar(&sid, "sid", "", "session to join (omit to start a new one)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (prompted if omitted)")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, configPath, sid, name string) error {
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	adapter, sessionsChannelID, err := createAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, adapter, sessionsChannelID)
	if err != nil {
		return err
	}
	daemon, err := session.NewDaemon(session.DaemonOpts{
		Adapter: adapter,
		Engine:  engine,
		Out:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	daemonCtx, stopDaemon := context.WithCancel(context.Background())
	defer stopDaemon()
	daemonErr := make(chan error, 1)
	go func() { daemonErr <- daemon.Run(daemonCtx) }()

	select {
	case <-daemon.Booted():
	case err := <-daemonErr:
		if err == nil {
			err = errors.New("daemon stopped before boot")
		}
		return err
	case <-ctx.Done():
		stopDaemon()
		<-daemonErr
		return nil
	}

	shutdown := func() error {
		stopDaemon()
		return <-daemonErr
	}

	if name == "" {
		fmt.Fprint(out, "Display name: ")
		if name, err = readLine(in); err != nil && name == "" {
			shutdown()
			return fmt.Errorf("read name: %w", err)
		}
	}
	if strings.TrimSpace(name) == "" || strings.Contains(name, ":") {
		shutdown()
		return fmt.Errorf("display name must be non-empty and must not contain ':'")
	}

	password, err := promptPassword(cmd, in)
	if err != nil {
		shutdown()
		return fmt.Errorf("read password: %w", err)
	}

	if sid == "" {
		if sid, err = engine.StartSession(ctx); err != nil {
			shutdown()
			return err
		}
		fmt.Fprintf(out, "Started session %s. Share the SID and password with the other members.\n", sid)
	} else {
		n, err := engine.JoinSession(ctx, sid)
		if err != nil {
			shutdown()
			return err
		}
		fmt.Fprintf(out, "Joined session %s (%d members).\n", sid, n)
	}

	keys := crypter.NewKeyring()
	keys.Set(sid, password)
	defer keys.Clear(sid)

	var outMu sync.Mutex
	subID, err := engine.Subscribe(sid, func(payload string) {
		outMu.Lock()
		defer outMu.Unlock()
		plain, err := keys.Decrypt(sid, payload)
		if err != nil {
			fmt.Fprintln(out, "[message could not be decrypted]")
			return
		}
		printMessage(out, crypter.ParseMessage(plain))
	})
	if err != nil {
		shutdown()
		return err
	}

	send := func(ctx context.Context, m crypter.Message) error {
		payload, err := keys.Encrypt(sid, m.String())
		if err != nil {
			return err
		}
		return engine.SendMessage(ctx, sid, payload)
	}

	if err := send(ctx, crypter.JoinNotice(name)); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "announce join: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := readLine(in)
			if line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := send(ctx, crypter.Message{Sender: name, Text: line}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "send: %v\n", err)
			}
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := send(leaveCtx, crypter.LeaveNotice(name)); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "announce leave: %v\n", err)
	}
	engine.Unsubscribe(sid, subID)
	n, leaveErr := engine.LeaveSession(leaveCtx, sid)
	if leaveErr == nil {
		if n == 0 {
			fmt.Fprintf(out, "Left session %s; it has ended.\n", sid)
		} else {
			fmt.Fprintf(out, "Left session %s (%d members remain).\n", sid, n)
		}
	}

	if err := shutdown(); err != nil {
		return err
	}
	return leaveErr
}

func printMessage(w io.Writer, m crypter.Message) {
	switch {
	case m.IsSystem():
		fmt.Fprintf(w, "* %s\n", m.Text)
	case m.Sender == "":
		fmt.Fprintln(w, m.Text)
	default:
		fmt.Fprintf(w, "<%s> %s\n", m.Sender, m.Text)
	}
}

// promptPassword reads the session password, hiding input on a terminal.
func promptPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	prompt := cmd.ErrOrStderr()
	fmt.Fprint(prompt, "Session password: ")
	var password string
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		password = string(b)
	} else {
		line, err := readLine(in)
		if err != nil && line == "" {
			return "", err
		}
		password = line
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

// readLine returns the next line without its terminator. A final line with
// no newline is returned along with io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && line == "" {
		return "", err
	}
	return line, err
}
