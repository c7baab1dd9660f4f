package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/internal/taint/tracker"
)

// scenario is one replayable event sequence.
type scenario struct {
	// Layout overrides the default address-space layout when present.
	Layout *layout.Layout `yaml:"layout"`

	Ops []scenarioOp `yaml:"ops"`
}

// scenarioOp is a single event. Which fields apply depends on Op.
type scenarioOp struct {
	Op string `yaml:"op"`

	Addr  uint64 `yaml:"addr"`
	Size  uint64 `yaml:"size"`
	Pages uint64 `yaml:"pages"`
	Dst   uint64 `yaml:"dst"`
	Src   uint64 `yaml:"src"`
	Left  uint64 `yaml:"left"`

	Zeroed bool   `yaml:"zeroed"`
	Keep   bool   `yaml:"keep"`
	Dir    string `yaml:"dir"`
}

func newReplayCmd() *cobra.Command {
	var (
		parallel    int
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "replay <file>...",
		Short: "Replay scenario files and print their reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 {
				parallel = 1
			}
			outputs := make([]*bytes.Buffer, len(args))
			var g errgroup.Group
			g.SetLimit(parallel)
			for i, path := range args {
				i, path := i, path
				outputs[i] = &bytes.Buffer{}
				g.Go(func() error {
					return replayFile(path, outputs[i])
				})
			}
			err := g.Wait()
			for i, buf := range outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "--- %s\n", args[i])
				cmd.OutOrStdout().Write(buf.Bytes())
			}
			if err != nil {
				return err
			}
			if showMetrics {
				return dumpMetrics(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "number of scenarios replayed concurrently")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print tracker metrics after replaying")
	return cmd
}

// dumpMetrics writes the tracker's counters from the process registry in
// the Prometheus text exposition format.
func dumpMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "memtaint_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// replayFile runs one scenario against a fresh tracker, writing reports
// and the closing statistics to out.
func replayFile(path string, out *bytes.Buffer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sc scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	lay := layout.Default()
	if sc.Layout != nil {
		lay = *sc.Layout
		if err := lay.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	tr := tracker.New(lay)
	tr.SetSink(tracker.NewConsoleSink(out))
	tr.Init()

	for i, op := range sc.Ops {
		if err := applyOp(tr, op); err != nil {
			return fmt.Errorf("%s: op %d (%s): %w", path, i, op.Op, err)
		}
	}

	st := tr.Stat()
	fmt.Fprintf(out, "replayed %d ops: %d reports, %d moves, %d chains skipped\n",
		len(sc.Ops), st.Reports, st.MetadataMoves, st.ChainsSkipped)
	return nil
}

func applyOp(tr *tracker.Tracker, op scenarioOp) error {
	switch op.Op {
	case "page_alloc":
		return tr.PageAlloc(op.Addr, op.Pages, op.Zeroed)
	case "page_free":
		tr.PageFree(op.Addr, op.Pages, op.Keep)
	case "page_release":
		tr.PageRelease(op.Addr, op.Pages)
	case "copy_page_meta":
		tr.CopyPageMeta(op.Dst, op.Src)
	case "block_alloc":
		tr.BlockAlloc(op.Addr, op.Size, op.Zeroed, op.Keep)
	case "block_free":
		tr.BlockFree(op.Addr, op.Size, op.Keep)
	case "poison":
		tr.Poison(op.Addr, op.Size)
	case "unpoison":
		tr.Unpoison(op.Addr, op.Size)
	case "check":
		tr.Check(op.Addr, op.Size)
	case "move":
		tr.MoveMetadata(op.Dst, op.Src, op.Size)
	case "copy_to_user":
		tr.CopyToUser(op.Dst, op.Src, op.Size, op.Left)
	case "transfer":
		dir, err := parseDir(op.Dir)
		if err != nil {
			return err
		}
		tr.HandleTransfer(op.Addr, op.Size, dir)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}

func parseDir(s string) (tracker.TransferDir, error) {
	switch s {
	case "to_device":
		return tracker.TransferToDevice, nil
	case "from_device":
		return tracker.TransferFromDevice, nil
	case "bidirectional":
		return tracker.TransferBidirectional, nil
	}
	return 0, fmt.Errorf("unknown transfer direction %q", s)
}
