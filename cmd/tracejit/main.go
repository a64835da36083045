package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tracejit/pkg/config"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit"
	"tracejit/pkg/jit/x86"
	"tracejit/pkg/serializer"
	"tracejit/pkg/tracestore"

	"github.com/google/uuid"
)

// bridgeFlag is one -bridge N=file.json: the trace to attach to the root's
// Nth guard.
type bridgeFlag struct {
	guard int
	path  string
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	tracePath := flag.String("trace", "", "Path to a JSON trace")
	configPath := flag.String("config", "", "Path to a JSON or TOML runtime config")
	inputList := flag.String("inputs", "", "Comma-separated trace inputs")
	disassemble := flag.Bool("dis", false, "Print the generated code")
	storePath := flag.String("store", "", "Record the trace and its metadata in this trace store")
	dumpDir := flag.String("dump", "", "Write the generated code to <run id>.bin in this directory")
	var bridges []bridgeFlag
	flag.Func("bridge", "Attach `N=file.json` to the Nth guard of the trace (repeatable)", func(s string) error {
		n, path, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("want N=file, got %q", s)
		}
		i, err := strconv.Atoi(n)
		if err != nil || i < 0 {
			return fmt.Errorf("bad guard index %q", n)
		}
		bridges = append(bridges, bridgeFlag{guard: i, path: path})
		return nil
	})

	flag.Parse()

	if *tracePath == "" {
		return errors.New("--trace flag is required")
	}

	cfg := config.FromEnv()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	runID := uuid.New().String()
	log.Printf("Run %s", runID)

	root, err := loadTrace(*tracePath, nil)
	if err != nil {
		return fmt.Errorf("failed to load trace: %w", err)
	}
	tokens := func(name string) *ir.LoopToken {
		if name == root.Name {
			return root.Token
		}
		return nil
	}

	rt, err := jit.NewRuntime(cfg.JIT())
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Free()

	ct, err := rt.CompileLoop(root)
	if errors.Is(err, jit.ErrDisabled) {
		log.Printf("JIT disabled; %s stays interpreted", root.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to compile %s: %w", root.Name, err)
	}
	compiled := []*jit.CompiledTrace{ct}

	type attached struct {
		guard int
		trace *ir.Trace
	}
	var bridgeTraces []attached
	for _, b := range bridges {
		if b.guard >= len(ct.GuardIDs) {
			return fmt.Errorf("trace %s has %d guards, cannot attach to guard %d", root.Name, len(ct.GuardIDs), b.guard)
		}
		bt, err := loadTrace(b.path, tokens)
		if err != nil {
			return fmt.Errorf("failed to load bridge: %w", err)
		}
		bct, err := rt.AttachBridge(ct.GuardIDs[b.guard], bt)
		if err != nil {
			return fmt.Errorf("failed to attach %s to guard %d: %w", bt.Name, b.guard, err)
		}
		compiled = append(compiled, bct)
		bridgeTraces = append(bridgeTraces, attached{guard: b.guard, trace: bt})
	}

	if *disassemble {
		for _, c := range compiled {
			fmt.Printf("%s:\n", c.Name)
			for _, seg := range c.Segments {
				for _, line := range x86.Disassemble(seg.Code, seg.Addr) {
					fmt.Println("  " + line)
				}
			}
		}
	}

	if *dumpDir != "" {
		path := filepath.Join(*dumpDir, runID+".bin")
		if err := os.WriteFile(path, codeBytes(compiled), 0644); err != nil {
			return fmt.Errorf("failed to write code dump: %w", err)
		}
		log.Printf("Wrote %s", path)
	}

	if *storePath != "" {
		var guards []int
		var bts []*ir.Trace
		for _, b := range bridgeTraces {
			guards = append(guards, b.guard)
			bts = append(bts, b.trace)
		}
		if err := record(*storePath, runID, root, ct, guards, bts); err != nil {
			return err
		}
	}

	inputs, err := parseInputs(*inputList, root.Inputs)
	if err != nil {
		return fmt.Errorf("bad inputs: %w", err)
	}
	id, err := rt.Execute(ct, inputs)
	if err != nil {
		return fmt.Errorf("execution failed with id %d: %w", id, err)
	}
	outputs, err := rt.Outputs(id)
	if err != nil {
		return fmt.Errorf("failed to read outputs: %w", err)
	}
	kind := "finish"
	var kinds []ir.Kind
	if e, ok := rt.Exit(id); ok {
		kinds = e.Kinds
		if e.Guard {
			kind = "guard"
		}
	}
	fmt.Printf("exit %d (%s): %s\n", id, kind, formatOutputs(outputs, kinds))

	st := rt.Stats()
	log.Printf("Compiled %d traces and %d bridges into %d bytes on %d pages", st.TracesCompiled, st.BridgesAttached, st.CodeBytes, st.CodePages)
	return nil
}

// record stores the root trace, its bridges and what compiling them
// produced. guards[i] is the guard index bridges[i] is attached to.
func record(path, runID string, root *ir.Trace, ct *jit.CompiledTrace, guards []int, bridges []*ir.Trace) error {
	store, err := tracestore.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	defer store.Close()

	batch := store.NewBatch()
	defer batch.Close()
	id := batch.PutTrace(root)
	meta := &tracestore.Meta{
		Name:       root.Name,
		CodeSize:   serializer.Natural(ct.CodeSize()),
		CodePages:  serializer.Natural(len(ct.Segments)),
		FrameDepth: serializer.Natural(ct.Depth),
		Guards:     serializer.Natural(len(ct.GuardIDs)),
		RunID:      runID,
	}
	for i, bt := range bridges {
		meta.Bridges = append(meta.Bridges, tracestore.Bridge{
			GuardIndex: serializer.Natural(guards[i]),
			Trace:      batch.PutTrace(bt),
		})
	}
	batch.PutMeta(id, meta)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to record trace: %w", err)
	}
	log.Printf("Recorded %s as %x", root.Name, id[:8])
	return nil
}

func loadTrace(path string, tokens func(string) *ir.LoopToken) (*ir.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := ir.ParseJSON(data, tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		t.Token.Name = t.Name
	}
	return t, nil
}

// parseInputs reads one number per trace input. Float inputs are passed as
// their IEEE bits.
func parseInputs(list string, vars []*ir.Var) ([]int64, error) {
	var fields []string
	if list != "" {
		fields = strings.Split(list, ",")
	}
	if len(fields) != len(vars) {
		return nil, fmt.Errorf("trace takes %d inputs, got %d", len(vars), len(fields))
	}
	out := make([]int64, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if vars[i].Kind() == ir.KindFloat {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = int64(math.Float64bits(x))
			continue
		}
		x, err := strconv.ParseInt(f, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}

func formatOutputs(words []int64, kinds []ir.Kind) string {
	parts := make([]string, len(words))
	for i, w := range words {
		switch {
		case i < len(kinds) && kinds[i] == ir.KindFloat:
			parts[i] = strconv.FormatFloat(math.Float64frombits(uint64(w)), 'g', -1, 64)
		case i < len(kinds) && kinds[i] == ir.KindRef:
			parts[i] = fmt.Sprintf("%#x", w)
		default:
			parts[i] = strconv.FormatInt(w, 10)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func codeBytes(traces []*jit.CompiledTrace) []byte {
	var out []byte
	for _, ct := range traces {
		for _, seg := range ct.Segments {
			out = append(out, seg.Code...)
		}
	}
	return out
}
