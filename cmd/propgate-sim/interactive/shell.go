// Package interactive provides the interactive command-line interface
// for the propgate simulator.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/propgate/propgate-go/internal/halsim"
	"github.com/propgate/propgate-go/pkg/gateway"
	"github.com/propgate/propgate-go/pkg/wire"
)

const requestTimeout = 5 * time.Second

// Shell handles interactive mode for propgate-sim. It drives the gateway
// the way a client would and pokes the sim underneath for fault injection.
type Shell struct {
	gw  *gateway.Gateway
	sim *halsim.Sim
	rl  *readline.Instance
}

// New creates a new interactive shell over the gateway and sim.
func New(gw *gateway.Gateway, sim *halsim.Sim) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "propgate> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := &Shell{gw: gw, sim: sim, rl: rl}

	err = gw.RegisterCaller(gateway.Caller{
		ID:        "shell",
		OnResults: s.printResults,
		OnEvents:  s.printEvents,
	})
	if err != nil {
		rl.Close()
		return nil, err
	}
	return s, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "get", "g":
			s.cmdGet(args)

		case "set", "s":
			s.cmdSet(args)

		case "sub":
			s.cmdSub(args)

		case "unsub":
			s.cmdUnsub(args)

		case "busy":
			s.cmdBusy(args)

		case "emit":
			s.cmdEmit(args)

		case "status":
			s.cmdStatus()

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (try 'help')\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `Commands:
  get <prop> [area]          - Read a property value
  set <prop> <area> <value>  - Write a property value (confirmed write)
  sub <prop> [rate]          - Subscribe to change events
  unsub <prop>               - Unsubscribe
  busy <prop> <n>            - Make the next n calls on prop return busy
  emit <prop> <area> <value> - Inject an external value change
  status                     - Show gateway status
  quit                       - Exit`)
}

func (s *Shell) printResults(results []gateway.Result) {
	for _, r := range results {
		if r.Status == wire.StatusOK && r.Value != nil {
			fmt.Fprintf(s.rl.Stdout(), "[result #%d] OK value=%v at=%s\n",
				r.CallerRequestID, r.Value.Value, time.Unix(0, r.UpdatedAt).Format(time.RFC3339Nano))
			continue
		}
		fmt.Fprintf(s.rl.Stdout(), "[result #%d] %s\n", r.CallerRequestID, r.Status)
	}
}

func (s *Shell) printEvents(events []wire.PropValue) {
	for _, e := range events {
		fmt.Fprintf(s.rl.Stdout(), "[event] prop=0x%x area=%d value=%v\n",
			e.PropID, e.AreaID, e.Value)
	}
}

func (s *Shell) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: get <prop> [area]")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	var areaID int32
	if len(args) > 1 {
		if areaID, err = parseID(args[1]); err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Bad area id: %v\n", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	v, err := s.gw.Get(ctx, propID, areaID, requestTimeout)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Get failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "prop=0x%x area=%d value=%v\n", propID, areaID, v.Value)
}

func (s *Shell) cmdSet(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: set <prop> <area> <value>")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	areaID, err := parseID(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad area id: %v\n", err)
		return
	}
	value := parseValue(args[2])

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	start := time.Now()
	if err := s.gw.Set(ctx, wire.PropValue{PropID: propID, AreaID: areaID, Value: value}, requestTimeout); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Set failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Write confirmed in %s\n", time.Since(start).Round(time.Millisecond))
}

func (s *Shell) cmdSub(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: sub <prop> [rate]")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	var rate float64
	if len(args) > 1 {
		if rate, err = strconv.ParseFloat(args[1], 32); err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Bad rate: %v\n", err)
			return
		}
	}
	if err := s.gw.Subscribe("shell", propID, float32(rate)); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Subscribe failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Subscribed to 0x%x\n", propID)
}

func (s *Shell) cmdUnsub(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: unsub <prop>")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	if err := s.gw.Unsubscribe("shell", propID); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Unsubscribe failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Unsubscribed from 0x%x\n", propID)
}

func (s *Shell) cmdBusy(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: busy <prop> <n>")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad count: %v\n", err)
		return
	}
	s.sim.Busy(propID, n)
	fmt.Fprintf(s.rl.Stdout(), "Next %d calls on 0x%x will be busy\n", n, propID)
}

func (s *Shell) cmdEmit(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: emit <prop> <area> <value>")
		return
	}
	propID, err := parseID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad property id: %v\n", err)
		return
	}
	areaID, err := parseID(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Bad area id: %v\n", err)
		return
	}
	s.sim.Emit(wire.PropValue{PropID: propID, AreaID: areaID, Value: parseValue(args[2])})
	fmt.Fprintln(s.rl.Stdout(), "Event injected")
}

func (s *Shell) cmdStatus() {
	out := s.rl.Stdout()
	fmt.Fprintf(out, "Transport: %s\n", s.gw.Describe())
	fmt.Fprintf(out, "Pending requests: %d\n", s.gw.PendingCount())

	rates := s.gw.EffectiveRates()
	if len(rates) == 0 {
		fmt.Fprintln(out, "No active subscriptions")
		return
	}
	props := make([]int32, 0, len(rates))
	for p := range rates {
		props = append(props, p)
	}
	sort.Slice(props, func(i, j int) bool { return props[i] < props[j] })
	fmt.Fprintln(out, "Active subscriptions:")
	for _, p := range props {
		fmt.Fprintf(out, "  0x%x at %.1f Hz\n", p, rates[p])
	}
}

// parseID accepts decimal or 0x-prefixed hex property and area ids.
func parseID(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	return int32(v), err
}

// parseValue guesses the value type: bool, integer, float, then string.
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
