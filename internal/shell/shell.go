package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
)

const (
	recentLimit  = 10
	queryTimeout = 2 * time.Second
)

type Store interface {
	QueryTelemetry(ctx context.Context, deviceID string, limit int) ([]model.TelemetryRecord, error)
	Devices(ctx context.Context) ([]string, error)
}

type Sender interface {
	Send(deviceID, command string) error
}

// Shell is a line-oriented operator console running next to ingestion.
type Shell struct {
	in     io.Reader
	out    io.Writer
	store  Store
	sender Sender
	stats  *stats.Stats
	logger *slog.Logger
}

func New(in io.Reader, out io.Writer, store Store, sender Sender, st *stats.Stats, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{in: in, out: out, store: store, sender: sender, stats: st, logger: logger}
}

// Run reads commands until quit, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.printHelp()
	s.prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read console: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := s.Exec(ctx, line); quit {
				return nil
			}
			s.prompt()
		}
	}
}

// Exec runs one command line and reports whether the operator asked to quit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		fmt.Fprintln(s.out, "bye")
		return true
	case "help":
		s.printHelp()
	case "stats":
		s.printStats()
	case "data":
		device := ""
		if len(fields) > 1 {
			device = fields[1]
		}
		s.printData(ctx, device)
	case "devices":
		s.printDevices(ctx)
	case "command":
		if len(fields) < 3 {
			fmt.Fprintln(s.out, "usage: command <device_id> <command>")
			return false
		}
		command := strings.Join(fields[2:], " ")
		if err := s.sender.Send(fields[1], command); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(s.out, "sent %q to %s\n", command, fields[1])
	default:
		fmt.Fprintf(s.out, "unknown command %q, type help\n", fields[0])
	}
	return false
}

func (s *Shell) prompt() {
	fmt.Fprint(s.out, "huerto> ")
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  stats                        show ingestion counters")
	fmt.Fprintln(s.out, "  data [device_id]             show the latest sensor samples")
	fmt.Fprintln(s.out, "  devices                      list devices that reported telemetry")
	fmt.Fprintln(s.out, "  command <device_id> <text>   send a command to a device")
	fmt.Fprintln(s.out, "  quit                         stop the server")
}

func (s *Shell) printStats() {
	snap := s.stats.Snapshot()
	fmt.Fprintf(s.out, "messages: %s  data: %s  status: %s  heartbeats: %s  errors: %s\n",
		humanize.Comma(int64(snap.MessagesReceived)),
		humanize.Comma(int64(snap.DataRecords)),
		humanize.Comma(int64(snap.StatusUpdates)),
		humanize.Comma(int64(snap.Heartbeats)),
		humanize.Comma(int64(snap.Errors)),
	)
}

func (s *Shell) printData(ctx context.Context, device string) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	records, err := s.store.QueryTelemetry(queryCtx, device, recentLimit)
	if err != nil {
		s.logger.Error("shell data query failed", "error", err)
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(s.out, "no data")
		return
	}

	for _, r := range records {
		fmt.Fprintf(s.out, "#%d %s ts=%s t_amb=%s t_soil=%s h_amb=%s h_soil=%s light=%s (%s)\n",
			r.ID,
			orDash(r.DeviceID),
			numberOrDash(r.Timestamp),
			floatOrDash(r.TempAmbient),
			floatOrDash(r.TempSoil),
			floatOrDash(r.HumidityAmbient),
			floatOrDash(r.HumiditySoil),
			numberOrDash(r.LightLevel),
			humanize.Time(r.CreatedAt),
		)
	}
}

func (s *Shell) printDevices(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	devices, err := s.store.Devices(queryCtx)
	if err != nil {
		s.logger.Error("shell device query failed", "error", err)
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "no devices")
		return
	}
	fmt.Fprintln(s.out, strings.Join(devices, "\n"))
}

func orDash(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}

func numberOrDash(v *model.Number) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.Ftoa(*v)
}
