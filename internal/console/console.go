// Package console implements the operator commands of stationctl. The
// command set is independent of the line editor driving it.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/manager"
	"github.com/ruuvi/stationd/internal/model"
)

var log = logging.Component("console")

// ErrExit is returned by Execute for the exit command.
var ErrExit = errors.New("exit")

// Command is one console command.
type Command struct {
	Name  string
	Args  string
	Help  string
	run   func(ctx context.Context, s *Shell, args []string) error
	nargs [2]int // min, max; max < 0 is unbounded
}

// Shell executes console lines against a station.
type Shell struct {
	mgr  *manager.Manager
	out  io.Writer
	now  func() time.Time
	cmds map[string]*Command
}

// New returns a shell writing to out.
func New(mgr *manager.Manager, out io.Writer) *Shell {
	s := &Shell{mgr: mgr, out: out, now: time.Now, cmds: make(map[string]*Command)}
	for _, c := range commands {
		s.cmds[c.Name] = c
	}
	return s
}

// Commands returns the command table sorted by name.
func (s *Shell) Commands() []*Command {
	out := make([]*Command, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one line. Empty lines are ignored.
func (s *Shell) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]
	if name == "exit" || name == "quit" {
		return ErrExit
	}

	c, ok := s.cmds[name]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", name, errors.ErrInvalidRequest)
	}
	if len(args) < c.nargs[0] || (c.nargs[1] >= 0 && len(args) > c.nargs[1]) {
		return fmt.Errorf("usage: %s %s: %w", c.Name, c.Args, errors.ErrInvalidRequest)
	}

	log.Debug("command", "name", name, "args", len(args))
	return c.run(ctx, s, args)
}

func (s *Shell) table() *tabwriter.Writer {
	return tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
}

var commands = []*Command{
	{Name: "help", Help: "list commands", run: cmdHelp, nargs: [2]int{0, 0}},
	{Name: "sensors", Help: "list sensors", run: cmdSensors, nargs: [2]int{0, 0}},
	{Name: "records", Args: "<sensor> [from] [to]", Help: "list records; times are RFC 3339 or offsets like -24h", run: cmdRecords, nargs: [2]int{1, 3}},
	{Name: "last", Args: "<sensor>", Help: "show the latest record", run: cmdLast, nargs: [2]int{1, 1}},
	{Name: "summary", Args: "<sensor> <field> [from] [to]", Help: "summarize a field", run: cmdSummary, nargs: [2]int{2, 4}},
	{Name: "calibrate", Args: "<sensor> <type> <value|clear>", Help: "set or clear an offset", run: cmdCalibrate, nargs: [2]int{3, 3}},
	{Name: "prune", Help: "delete records past the retention horizon", run: cmdPrune, nargs: [2]int{0, 0}},
	{Name: "migrate", Help: "run pending migrations", run: cmdMigrate, nargs: [2]int{0, 0}},
	{Name: "ledger", Help: "list completed migrations", run: cmdLedger, nargs: [2]int{0, 0}},
	{Name: "queue", Args: "[clear]", Help: "list or clear pending cloud requests", run: cmdQueue, nargs: [2]int{0, 1}},
	{Name: "cleanup", Help: "compact both stores", run: cmdCleanup, nargs: [2]int{0, 0}},
	{Name: "identifiers", Help: "list learned local id to MAC mappings", run: cmdIdentifiers, nargs: [2]int{0, 0}},
	{Name: "health", Help: "check the stores", run: cmdHealth, nargs: [2]int{0, 0}},
}

// =============================================================================
// Commands
// =============================================================================

func cmdHelp(_ context.Context, s *Shell, _ []string) error {
	w := s.table()
	for _, c := range s.Commands() {
		fmt.Fprintf(w, "%s %s\t%s\n", c.Name, c.Args, c.Help)
	}
	fmt.Fprintf(w, "exit\tleave the console\n")
	return w.Flush()
}

func cmdSensors(ctx context.Context, s *Shell, _ []string) error {
	sensors, err := s.mgr.Coordinator().Sensors(ctx)
	if err != nil {
		return err
	}
	w := s.table()
	fmt.Fprintln(w, "ID\tLOCAL\tMAC\tNAME")
	for _, sn := range sensors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sn.ID(), sn.LocalID, sn.MAC, sn.Name)
	}
	return w.Flush()
}

func cmdRecords(ctx context.Context, s *Shell, args []string) error {
	from, to, err := s.window(args[1:])
	if err != nil {
		return err
	}
	records, err := s.mgr.Coordinator().Records(ctx, args[0], from, to)
	if err != nil {
		return err
	}
	w := s.table()
	fmt.Fprintln(w, "TIME\tTEMP\tHUMIDITY\tPRESSURE\tRSSI")
	for _, r := range records {
		writeRecord(w, r)
	}
	fmt.Fprintf(w, "%d records\n", len(records))
	return w.Flush()
}

func cmdLast(ctx context.Context, s *Shell, args []string) error {
	r, ok, err := s.mgr.Coordinator().LastRecord(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sensor %s: %w", args[0], errors.ErrRecordNotFound)
	}
	w := s.table()
	fmt.Fprintln(w, "TIME\tTEMP\tHUMIDITY\tPRESSURE\tRSSI")
	writeRecord(w, r)
	return w.Flush()
}

func cmdSummary(ctx context.Context, s *Shell, args []string) error {
	field, err := model.ParseField(args[1])
	if err != nil {
		return err
	}
	from, to, err := s.window(args[2:])
	if err != nil {
		return err
	}
	sum, err := s.mgr.Coordinator().Summary(ctx, args[0], field, from, to)
	if err != nil {
		return err
	}
	if sum.Count == 0 {
		fmt.Fprintf(s.out, "no %s values\n", field)
		return nil
	}
	w := s.table()
	fmt.Fprintf(w, "count\t%d\n", sum.Count)
	fmt.Fprintf(w, "min\t%.2f\n", sum.Min)
	fmt.Fprintf(w, "max\t%.2f\n", sum.Max)
	fmt.Fprintf(w, "avg\t%.2f\n", sum.Avg)
	fmt.Fprintf(w, "p50\t%s\n", formatFloat(sum.P50))
	fmt.Fprintf(w, "p95\t%s\n", formatFloat(sum.P95))
	fmt.Fprintf(w, "span\t%s .. %s\n", sum.First.Format(time.RFC3339), sum.Last.Format(time.RFC3339))
	return w.Flush()
}

func cmdCalibrate(ctx context.Context, s *Shell, args []string) error {
	coord := s.mgr.Coordinator()
	sensor, err := coord.Sensor(ctx, args[0])
	if err != nil {
		return err
	}
	t, err := model.ParseOffsetType(args[1])
	if err != nil {
		return err
	}

	var value *float64
	if args[2] != "clear" {
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return errors.NewValidation("value", "not a number")
		}
		value = &v
	}

	var lastKnown *model.Record
	if last, ok, err := coord.LastRecord(ctx, sensor.ID()); err != nil {
		return err
	} else if ok {
		lastKnown = &last
	}

	st, err := coord.UpdateOffsetCorrection(ctx, t, value, sensor, lastKnown)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "temperature %s, humidity %s, pressure %s\n",
		formatFloat(st.TemperatureOffset), formatFloat(st.HumidityOffset), formatFloat(st.PressureOffset))
	return nil
}

func cmdPrune(ctx context.Context, s *Shell, _ []string) error {
	res, err := s.mgr.Pruner().Run(ctx)
	fmt.Fprintf(s.out, "cutoff %s: %d sensors, %d deleted, %d archived\n",
		res.Cutoff.Format(time.RFC3339), res.Sensors, res.Deleted, res.Archived)
	return err
}

func cmdMigrate(ctx context.Context, s *Shell, _ []string) error {
	events, err := s.mgr.Migrations().Run(ctx)
	w := s.table()
	for _, ev := range events {
		if ev.Err != nil {
			fmt.Fprintf(w, "%s\t%s\t%v\n", ev.ID, ev.State, ev.Err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ev.ID, ev.State, ev.Duration.Round(time.Millisecond))
	}
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	return err
}

func cmdLedger(ctx context.Context, s *Shell, _ []string) error {
	entries, err := s.mgr.Relational().Ledger(ctx)
	if err != nil {
		return err
	}
	w := s.table()
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.ID, e.CompletedAt.Format(time.RFC3339))
	}
	pending, err := s.mgr.Migrations().Pending(ctx)
	if err != nil {
		return err
	}
	for _, id := range pending {
		fmt.Fprintf(w, "%s\tpending\n", id)
	}
	return w.Flush()
}

func cmdQueue(ctx context.Context, s *Shell, args []string) error {
	coord := s.mgr.Coordinator()
	if len(args) == 1 {
		if args[0] != "clear" {
			return fmt.Errorf("usage: queue [clear]: %w", errors.ErrInvalidRequest)
		}
		n, err := coord.ClearCloudRequests(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d requests removed\n", n)
		return nil
	}

	reqs, err := coord.PendingCloudRequests(ctx)
	if err != nil {
		return err
	}
	w := s.table()
	fmt.Fprintln(w, "ID\tTYPE\tKEY\tCREATED")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Key, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdCleanup(ctx context.Context, s *Shell, _ []string) error {
	if err := s.mgr.Coordinator().CleanupStorageSpace(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "storage compacted")
	return nil
}

func cmdIdentifiers(_ context.Context, s *Shell, _ []string) error {
	entries := s.mgr.Coordinator().Registry().Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Local < entries[j].Local })

	w := s.table()
	fmt.Fprintln(w, "LOCAL\tMAC")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Local, e.MAC)
	}
	return w.Flush()
}

func cmdHealth(ctx context.Context, s *Shell, _ []string) error {
	if err := s.mgr.Relational().Health(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "relational store ok")
	if s.mgr.HasLegacy() {
		fmt.Fprintln(s.out, "legacy store attached")
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// window parses optional from and to arguments.
func (s *Shell) window(args []string) (from, to time.Time, err error) {
	if len(args) > 0 {
		if from, err = parseTime(args[0], s.now()); err != nil {
			return
		}
	}
	if len(args) > 1 {
		to, err = parseTime(args[1], s.now())
	}
	return
}

// parseTime accepts RFC 3339 or a duration relative to now.
func parseTime(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.NewValidation("time", fmt.Sprintf("%q is neither RFC 3339 nor a duration", v))
	}
	return t, nil
}

func writeRecord(w io.Writer, r model.Record) {
	rssi := "-"
	if r.RSSI != nil {
		rssi = strconv.Itoa(*r.RSSI)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339),
		formatFloat(r.Temperature), formatFloat(r.Humidity), formatFloat(r.Pressure), rssi)
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
