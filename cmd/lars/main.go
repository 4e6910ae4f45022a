// Command lars is the external CLI surface named in spec.md §6: `run` to
// execute a cascade document to completion, `signals` to inspect/fire/cancel
// cross-run signals, and `test` to freeze/replay/run/list recorded sessions.
// It is a thin wrapper over package cascade/signal/replay — all orchestration
// logic lives in those packages, not here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"lars/agent"
	"lars/candidates"
	"lars/cascade"
	"lars/logstore"
	"lars/replay"
	"lars/signal"
	"lars/telemetry"
	"lars/template"
	"lars/trace"
	"lars/traits"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "signals":
		return cmdSignals(args[1:])
	case "test":
		return cmdTest(args[1:])
	default:
		usage()
		return 2
	}
}

// baseContext attaches a clue logger to a background context, per the
// teacher's cmd/assistant init pattern, so ClueLogger/ClueTracer calls made
// deep inside package runner/cascade have somewhere to write.
func baseContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	return log.Context(context.Background(), log.WithFormat(format))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  lars run <cascade.yaml> --input <json> [--session S]
  lars signals {list,fire,cancel,status} ...
  lars test {freeze,replay,run,list} ...`)
}

// newDriver builds a Driver backed by in-memory stores: a fresh trace Tree,
// an event Bus publishing into a logstore MemStore, an in-memory signal
// MemStore, and in-memory Candidates winner memory. A deployment wiring
// durable backends swaps logstore.MemStore for logstore.MongoStore and
// signal.MemStore for signal.PulseStore; the Driver's shape is identical
// either way.
func newDriver() (*cascade.Driver, *logstore.MemStore) {
	tree := trace.NewTree()
	bus := trace.NewBus()
	store := logstore.NewMemStore()
	bus.Subscribe(logstore.Subscriber{Store: store})

	var client agent.Client
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		client = agent.NewAnthropicClient(key, nil)
	} else {
		client = &agent.Fake{}
	}

	return &cascade.Driver{
		Config:      cascade.FromEnv(),
		Client:      client,
		Templates:   template.NewRenderer(),
		Tree:        tree,
		Bus:         bus,
		Registry:    cascade.NewRegistry(),
		Memory:      candidates.NewMemMemory(),
		SignalStore: signal.NewMemStore(),
		Logger:      telemetry.NewClueLogger(),
		Tracer:      telemetry.NewClueTracer(),
		Metrics:     telemetry.NewClueMetrics(),
	}, store
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputRaw := fs.String("input", "{}", "JSON object of cascade input")
	_ = fs.String("session", "", "session id override (unused by in-memory Driver; reserved for durable backends)")
	_ = fs.String("trigger", "", "trigger name, for parity with the scheduler's invocation shape")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lars run: missing <cascade> path")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "lars run:", err)
		return 2
	}
	c, err := cascade.Load(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lars run:", err)
		return 2
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputRaw), &input); err != nil {
		fmt.Fprintln(os.Stderr, "lars run: --input is not valid JSON:", err)
		return 2
	}

	d, _ := newDriver()
	d.Registry.Add(c)

	env, err := d.Run(baseContext(), c, input)
	out, _ := json.MarshalIndent(env, "", "  ")
	fmt.Println(string(out))

	if err != nil || env.Status != "success" {
		return 1
	}
	return 0
}

func cmdSignals(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "lars signals: one of list, fire, cancel, status is required")
		return 2
	}

	store := signal.NewMemStore()
	ctx := baseContext()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("signals list", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		fs.Parse(args[1:])
		names, err := store.List(ctx, *session)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(names)
		return 0
	case "fire":
		fs := flag.NewFlagSet("signals fire", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		name := fs.String("name", "", "signal name")
		payloadRaw := fs.String("payload", "{}", "JSON payload")
		fs.Parse(args[1:])
		var payload map[string]any
		if err := json.Unmarshal([]byte(*payloadRaw), &payload); err != nil {
			fmt.Fprintln(os.Stderr, "lars signals fire: --payload is not valid JSON:", err)
			return 2
		}
		n, err := store.Fire(ctx, *session, *name, payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("fired_count: %d\n", n)
		return 0
	case "cancel":
		fs := flag.NewFlagSet("signals cancel", flag.ExitOnError)
		session := fs.String("session", "", "session id")
		name := fs.String("name", "", "signal name")
		fs.Parse(args[1:])
		if err := store.Cancel(ctx, *session, *name); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "status":
		fmt.Fprintln(os.Stderr, "lars signals status: requires a durable backend (signal.PulseStore); the default in-memory store has no cross-process status to report")
		return 1
	default:
		fmt.Fprintln(os.Stderr, "lars signals: unknown subcommand", args[0])
		return 2
	}
}

func cmdTest(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "lars test: one of freeze, replay, run, list is required")
		return 2
	}

	switch args[0] {
	case "freeze":
		return cmdTestFreeze(args[1:])
	case "replay":
		return cmdTestReplay(args[1:])
	case "run":
		return cmdRun(args[1:])
	case "list":
		fmt.Fprintln(os.Stderr, "lars test list: requires a durable logstore.Store to enumerate past sessions; the default in-memory store does not persist across process invocations")
		return 1
	default:
		fmt.Fprintln(os.Stderr, "lars test: unknown subcommand", args[0])
		return 2
	}
}

// cmdTestFreeze runs a cascade exactly as `lars run` does, then freezes the
// resulting session's event log to a snapshot file (§4.8 "Freezes a live run
// to a file").
func cmdTestFreeze(args []string) int {
	fs := flag.NewFlagSet("test freeze", flag.ExitOnError)
	inputRaw := fs.String("input", "{}", "JSON object of cascade input")
	out := fs.String("out", "snapshot.json", "output snapshot file path")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lars test freeze: missing <cascade> path")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	c, err := cascade.Load(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(*inputRaw), &input); err != nil {
		fmt.Fprintln(os.Stderr, "lars test freeze: --input is not valid JSON:", err)
		return 2
	}

	d, store := newDriver()
	d.Registry.Add(c)

	env, err := d.Run(baseContext(), c, input)
	if err != nil && env.Status == "" {
		fmt.Fprintln(os.Stderr, "lars test freeze:", err)
		return 1
	}

	records, err := store.Query(baseContext(), env.SessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	events := make([]trace.Event, 0, len(records))
	for _, r := range records {
		events = append(events, r.Event)
	}

	snap, err := replay.Freeze(env.SessionID, c.CascadeID, events)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	snap.FinalState = nil

	raw, err := snap.MarshalFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("wrote", *out)
	return 0
}

// cmdTestReplay re-executes a cascade against a frozen snapshot without
// invoking the LLM, asserting replay fidelity (§4.8, §8 "Replay fidelity").
func cmdTestReplay(args []string) int {
	fs := flag.NewFlagSet("test replay", flag.ExitOnError)
	snapshotPath := fs.String("snapshot", "snapshot.json", "snapshot file to replay against")
	inputRaw := fs.String("input", "{}", "JSON object of cascade input")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lars test replay: missing <cascade> path")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	c, err := cascade.Load(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(*inputRaw), &input); err != nil {
		fmt.Fprintln(os.Stderr, "lars test replay: --input is not valid JSON:", err)
		return 2
	}

	snapData, err := os.ReadFile(*snapshotPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	snap, err := replay.LoadSnapshot(snapData)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	d, _ := newDriver()
	d.Registry.Add(c)
	d.UserTraits = traits.NewRegistry() // replay.Replay merges its mocks into whatever is already here

	report, err := replay.Replay(baseContext(), *d, c, input, snap, replay.EqualityPolicy{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "lars test replay:", err)
		return 1
	}

	if report.Passed {
		fmt.Println("passed")
		return 0
	}
	fmt.Println("failed")
	for _, m := range report.Mismatches {
		fmt.Printf("  %s: %s\n", m.Kind, m.Detail)
	}
	return 1
}
