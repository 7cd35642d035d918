package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/connection"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/devicefactory"
	"github.com/srg/blescope/internal/export"
	"github.com/srg/blescope/internal/gatt"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/session"
	"golang.org/x/term"
)

const shellPrompt = "blescope> "

// errQuit ends the read loop.
var errQuit = errors.New("quit")

var (
	sentColor     = color.New(color.FgGreen)
	receivedColor = color.New(color.FgCyan)
	infoColor     = color.New(color.FgHiBlack)
	errorColor    = color.New(color.FgRed)
)

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := cfg.SessionOptions()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := devicefactory.NewTransport(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE transport: %w", err)
	}
	defer func() {
		if err := devicefactory.Close(transport); err != nil {
			logger.WithField("error", err).Warn("Failed to close BLE transport")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(transport, opts, logger)
	loopDone := make(chan struct{})
	groutine.Go(ctx, "session-loop", func(ctx context.Context) {
		defer close(loopDone)
		if err := sess.Run(ctx); err != nil {
			logger.WithField("error", err).Error("Session loop failed")
		}
	})
	defer func() {
		stop()
		<-loopDone
	}()

	in, out, restore, err := openTerminal(cmd)
	if err != nil {
		return err
	}
	defer restore()

	sh := newShell(sess, out, logger)
	groutine.Go(ctx, "shell-feed", sh.follow)

	fmt.Fprintf(out, "blescope %s - type 'help' for commands\r\n", formatVersion(version))
	if sess.Mode() == session.ModeClient {
		if err := sess.StartScan(ctx); err != nil {
			sh.printError(err)
		}
	}
	return sh.serve(ctx, in)
}

// lineReader yields one command line at a time.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (r scannerReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// openTerminal puts stdin into raw mode behind a line editor when it is a
// TTY, and falls back to plain line reading otherwise.
func openTerminal(cmd *cobra.Command) (lineReader, io.Writer, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return scannerReader{bufio.NewScanner(cmd.InOrStdin())}, cmd.OutOrStdout(), func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to enter raw terminal mode: %w", err)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(rw, shellPrompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return t, t, func() { _ = term.Restore(fd, state) }, nil
}

type shellCommand struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// shell executes interactive commands against a session and renders its
// snapshots. Output is serialized so the change feed can print concurrently.
type shell struct {
	session *session.Session
	logger  *logrus.Logger
	enc     codec.Encoding

	mu      sync.Mutex
	out     io.Writer
	lastSeq uint64

	commands map[string]shellCommand
	aliases  map[string]string
}

func newShell(sess *session.Session, out io.Writer, logger *logrus.Logger) *shell {
	sh := &shell{
		session: sess,
		logger:  logger,
		enc:     codec.Hex,
		out:     out,
		aliases: map[string]string{"exit": "quit", "q": "quit", "?": "help", "ls": "devices"},
	}
	sh.commands = map[string]shellCommand{
		"help":       {"help", "Show this help", sh.cmdHelp},
		"quit":       {"quit", "Leave the shell", func(context.Context, []string) error { return errQuit }},
		"scan":       {"scan on|off", "Start or stop device discovery", sh.cmdScan},
		"devices":    {"devices", "List discovered devices", sh.cmdDevices},
		"connect":    {"connect <address>", "Connect to a device and discover its services", sh.cmdConnect},
		"disconnect": {"disconnect", "Drop the connection", sh.cmdDisconnect},
		"status":     {"status", "Show mode, scanning and connection state", sh.cmdStatus},
		"tree":       {"tree", "Show the services of the connected device", sh.cmdTree},
		"read":       {"read <[service/]char>", "Read a characteristic", sh.cmdRead},
		"write":      {"write <[service/]char> <data> [--hex|--text]", "Write to a characteristic", sh.cmdWrite},
		"sub":        {"sub <[service/]char>", "Subscribe to notifications", sh.cmdSubscribe},
		"unsub":      {"unsub <[service/]char>", "Unsubscribe from notifications", sh.cmdUnsubscribe},
		"mode":       {"mode [client|server]", "Show or switch the mode", sh.cmdMode},
		"advertise":  {"advertise", "Start the simulated peripheral", sh.cmdAdvertise},
		"stop":       {"stop", "Stop advertising", sh.cmdStop},
		"set":        {"set <char> <data> [--hex|--text]", "Change a served value", sh.cmdSet},
		"notify":     {"notify <char> <data> [--hex|--text]", "Push a value to subscribers", sh.cmdNotify},
		"server":     {"server", "Show the simulated peripheral", sh.cmdServer},
		"format":     {"format [hex|text]", "Show, set or toggle the data encoding", sh.cmdFormat},
		"log":        {"log [clear]", "Show or clear the notification log", sh.cmdLog},
		"export":     {"export csv|json [file]", "Export discovered devices", sh.cmdExport},
	}
	return sh
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	text := fmt.Sprintf(format, args...)
	text = strings.ReplaceAll(text, "\n", "\r\n")
	_, _ = io.WriteString(sh.out, text)
}

func (sh *shell) printError(err error) {
	sh.printf("%s\n", errorColor.Sprint("error: "+FormatUserError(err)))
}

// serve reads and executes lines until quit, EOF or ctx is done.
func (sh *shell) serve(ctx context.Context, in lineReader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	groutine.Go(ctx, "shell-input", func(ctx context.Context) {
		for {
			line, err := in.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if err := sh.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				sh.printError(err)
			}
		}
	}
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if alias, ok := sh.aliases[name]; ok {
		name = alias
	}
	c, ok := sh.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help')", fields[0])
	}
	sh.logger.WithField("command", name).Debug("Executing shell command")
	return c.run(ctx, fields[1:])
}

// follow renders log entries and connection changes as they happen.
func (sh *shell) follow(ctx context.Context) {
	last := connection.StateDisconnected
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sh.session.Changes():
			if !ok {
				return
			}
			switch c.Kind {
			case session.ChangeLog:
				sh.flushLog()
			case session.ChangeConnection:
				if snap := sh.session.Connection(); snap.State != last {
					last = snap.State
					sh.printf("%s\n", infoColor.Sprintf("[%s] %s", snap.State, snap.Address))
				}
			}
		}
	}
}

// flushLog prints the log entries not printed yet.
func (sh *shell) flushLog() {
	sh.mu.Lock()
	seq := sh.lastSeq
	sh.mu.Unlock()

	for _, e := range sh.session.LogSince(seq) {
		sh.printf("%s\n", sh.formatEntry(e))
		sh.mu.Lock()
		sh.lastSeq = e.Seq
		sh.mu.Unlock()
	}
}

func (sh *shell) formatEntry(e gatt.Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-4s", arrow(e.Direction)))
	if e.Address != "" {
		b.WriteString(" ")
		b.WriteString(e.Address)
	}
	if e.Characteristic.UUID != "" {
		b.WriteString(" ")
		b.WriteString(e.Characteristic.String())
	}
	if e.Payload != nil {
		b.WriteString(" ")
		b.WriteString(codec.Format(e.Payload, sh.enc))
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}

	switch e.Direction {
	case gatt.Sent:
		return sentColor.Sprint(b.String())
	case gatt.Received:
		return receivedColor.Sprint(b.String())
	case gatt.Error:
		return errorColor.Sprint(b.String())
	default:
		return infoColor.Sprint(b.String())
	}
}

func arrow(d gatt.Direction) string {
	switch d {
	case gatt.Sent:
		return "->"
	case gatt.Received:
		return "<-"
	case gatt.Error:
		return "!!"
	default:
		return "--"
	}
}

// parseRef accepts "service/char" or a bare characteristic UUID.
func parseRef(s string) (device.CharacteristicRef, error) {
	svc, char, found := strings.Cut(s, "/")
	if !found {
		svc, char = "", s
	}
	if _, err := device.ValidateUUID(char); err != nil {
		return device.CharacteristicRef{}, fmt.Errorf("invalid characteristic: %w", err)
	}
	if found {
		if _, err := device.ValidateUUID(svc); err != nil {
			return device.CharacteristicRef{}, fmt.Errorf("invalid service: %w", err)
		}
	}
	return device.NewCharacteristicRef(svc, char), nil
}

// payloadArgs splits "<target> <data...> [--hex|--text]".
func (sh *shell) payloadArgs(args []string, usage string) (string, string, codec.Encoding, error) {
	enc := sh.enc
	rest := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "--hex":
			enc = codec.Hex
		case "--text":
			enc = codec.Text
		default:
			rest = append(rest, a)
		}
	}
	if len(rest) < 2 {
		return "", "", enc, fmt.Errorf("usage: %s", usage)
	}
	return rest[0], strings.Join(rest[1:], " "), enc, nil
}

func (sh *shell) cmdHelp(context.Context, []string) error {
	names := make([]string, 0, len(sh.commands))
	for name := range sh.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	w := tabwriter.NewWriter(crlfWriter{sh.out}, 0, 0, 2, ' ', 0)
	for _, name := range names {
		c := sh.commands[name]
		fmt.Fprintf(w, "  %s\t%s\n", c.usage, c.help)
	}
	return w.Flush()
}

// crlfWriter translates newlines for raw terminals.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(c.w, strings.ReplaceAll(string(p), "\n", "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sh *shell) cmdScan(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan on|off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "start":
		return sh.session.StartScan(ctx)
	case "off", "stop":
		return sh.session.StopScan(ctx)
	default:
		return fmt.Errorf("usage: scan on|off")
	}
}

func (sh *shell) cmdDevices(context.Context, []string) error {
	devices := sh.session.Devices()
	if len(devices) == 0 {
		sh.printf("No devices discovered\n")
		return nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return writeDeviceTable(crlfWriter{sh.out}, devices, time.Now())
}

func writeDeviceTable(out io.Writer, devices []device.Device, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tTX\tSERVICES\tLAST SEEN")
	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		tx := "-"
		if d.TxPower != nil {
			tx = fmt.Sprintf("%d dBm", *d.TxPower)
		}
		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, d.ID, d.RSSI, tx, services, now.Sub(d.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

func (sh *shell) cmdConnect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: connect <address>")
	}
	if err := sh.session.Connect(ctx, args[0]); err != nil {
		return err
	}
	snap := sh.session.Connection()
	sh.printf("connected to %s, %d service(s)\n", snap.Address, len(snap.Services))
	return nil
}

func (sh *shell) cmdDisconnect(ctx context.Context, _ []string) error {
	return sh.session.Disconnect(ctx)
}

func (sh *shell) cmdStatus(context.Context, []string) error {
	snap := sh.session.Connection()
	sh.printf("mode: %s\nscanning: %t\nconnection: %s", sh.session.Mode(), sh.session.Scanning(), snap.State)
	if snap.Address != "" {
		sh.printf(" %s", snap.Address)
	}
	if snap.Reason != nil {
		sh.printf(" (%s)", FormatUserError(snap.Reason))
	}
	sh.printf("\nencoding: %s\n", sh.enc)
	return nil
}

func (sh *shell) cmdTree(context.Context, []string) error {
	snap := sh.session.Connection()
	if snap.State != connection.StateReady {
		return device.NewError(device.KindState, device.ReasonNotReady, "tree", "connection is "+snap.State.String())
	}
	for _, svc := range snap.Services {
		sh.printf("%s %s\n", svc.UUID, svc.KnownName)
		for _, ch := range svc.Characteristics {
			line := fmt.Sprintf("  %s [%s]", ch.UUID, ch.Properties)
			if ch.KnownName != "" {
				line += " " + ch.KnownName
			}
			if ch.Subscribed {
				line += " (subscribed)"
			}
			if ch.Value != nil {
				line += " = " + codec.Format(ch.Value, sh.enc)
			}
			sh.printf("%s\n", line)
		}
	}
	return nil
}

func (sh *shell) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: read <[service/]char>")
	}
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	data, err := sh.session.Read(ctx, ref)
	if err != nil {
		return err
	}
	sh.printf("%s\n", codec.Format(data, sh.enc))
	return nil
}

func (sh *shell) cmdWrite(ctx context.Context, args []string) error {
	target, input, enc, err := sh.payloadArgs(args, sh.commands["write"].usage)
	if err != nil {
		return err
	}
	ref, err := parseRef(target)
	if err != nil {
		return err
	}
	return sh.session.Write(ctx, ref, input, enc)
}

func (sh *shell) cmdSubscribe(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sub <[service/]char>")
	}
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	return sh.session.Subscribe(ctx, ref)
}

func (sh *shell) cmdUnsubscribe(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unsub <[service/]char>")
	}
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	return sh.session.Unsubscribe(ctx, ref)
}

func (sh *shell) cmdMode(ctx context.Context, args []string) error {
	if len(args) == 0 {
		sh.printf("%s\n", sh.session.Mode())
		return nil
	}
	mode, err := session.ParseMode(args[0])
	if err != nil {
		return err
	}
	return sh.session.SwitchTo(ctx, mode)
}

func (sh *shell) cmdAdvertise(ctx context.Context, _ []string) error {
	if err := sh.session.Advertise(ctx); err != nil {
		return err
	}
	srv := sh.session.Server()
	sh.printf("advertising %q with service %s\n", srv.Name, srv.Service)
	return nil
}

func (sh *shell) cmdStop(ctx context.Context, _ []string) error {
	return sh.session.StopAdvertising(ctx)
}

func (sh *shell) cmdSet(ctx context.Context, args []string) error {
	uuid, input, enc, err := sh.payloadArgs(args, sh.commands["set"].usage)
	if err != nil {
		return err
	}
	return sh.session.SetValue(ctx, uuid, input, enc)
}

func (sh *shell) cmdNotify(ctx context.Context, args []string) error {
	uuid, input, enc, err := sh.payloadArgs(args, sh.commands["notify"].usage)
	if err != nil {
		return err
	}
	return sh.session.Notify(ctx, uuid, input, enc)
}

func (sh *shell) cmdServer(context.Context, []string) error {
	srv := sh.session.Server()
	sh.printf("%s %q service %s\n", srv.State, srv.Name, srv.Service)
	for _, a := range srv.Attributes {
		sh.printf("  %s [%s] subscribers=%d value=%s\n", a.UUID, a.Properties, a.Subscribers, codec.Format(a.Value, sh.enc))
	}
	return nil
}

func (sh *shell) cmdFormat(_ context.Context, args []string) error {
	switch len(args) {
	case 0:
		sh.enc = sh.enc.Toggle()
	case 1:
		enc, err := codec.ParseEncoding(args[0])
		if err != nil {
			return err
		}
		sh.enc = enc
	default:
		return fmt.Errorf("usage: format [hex|text]")
	}
	sh.printf("encoding: %s\n", sh.enc)
	return nil
}

func (sh *shell) cmdLog(ctx context.Context, args []string) error {
	if len(args) == 1 && args[0] == "clear" {
		return sh.session.ClearLog(ctx)
	}
	if len(args) > 0 {
		return fmt.Errorf("usage: log [clear]")
	}
	for _, e := range sh.session.Log() {
		sh.printf("%s\n", sh.formatEntry(e))
	}
	return nil
}

func (sh *shell) cmdExport(_ context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: export csv|json [file]")
	}
	format, err := export.ParseFormat(args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.session.ExportDevices(crlfWriter{sh.out}, format)
	}

	f, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", args[1], err)
	}
	if err := sh.session.ExportDevices(f, format); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	sh.printf("exported %d device(s) to %s\n", len(sh.session.Devices()), args[1])
	return nil
}
