//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"kicad-jobs/internal/api"
	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/client"
	"kicad-jobs/internal/config"
	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/health"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/pipeline"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/reaper"
	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/worker"
	"kicad-jobs/internal/workspace"
)

const settingsJSON = `{
	"controllerCircuit": "None",
	"routing": "Full",
	"switchFootprint": "Switch_Keyboard_Cherry_MX:SW_Cherry_MX_PCB_1.00u",
	"diodeFootprint": "Diode_SMD:D_SOD-123F",
	"switchRotation": 0,
	"switchSide": "FRONT",
	"diodeRotation": 90,
	"diodeSide": "BACK",
	"diodePositionX": 5.08,
	"diodePositionY": 4.0
}`

// failPlacement in the layout name makes the fake placer exit non-zero.
const failPlacement = "fail-placement"

func layoutJSON(name string) string {
	return fmt.Sprintf(`{"meta":{"name":%q},"keys":[{"labels":["0,0"]},{"labels":["0,1"]},{"labels":["1,0"]},{"labels":["1,1"]}]}`, name)
}

const fakeBoard = `(kicad_pcb (version 20221018) (generator pcbnew)
  (footprint "Lib:SW" (layer "F.Cu") (at 100 50) (property "Reference" "SW1"))
  (footprint "Lib:SW" (layer "F.Cu") (at 119.05 50) (property "Reference" "SW2"))
  (footprint "Lib:SW" (layer "F.Cu") (at 100 69.05) (property "Reference" "SW3"))
  (footprint "Lib:SW" (layer "F.Cu") (at 119.05 69.05) (property "Reference" "SW4"))
)
`

const fakeSVG = `<svg xmlns="http://www.w3.org/2000/svg"/>`

// fakeTools stands in for kle2netlist, kinet2pcb, kbplacer and kicad-cli.
// Every invocation sleeps for delay so tests can observe running tasks.
type fakeTools struct {
	delay time.Duration
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func (f *fakeTools) Run(ctx context.Context, cmd eda.Command, output io.Writer) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-time.After(f.delay):
	}

	switch tool := filepath.Base(cmd.Name); {
	case tool == "kle2netlist":
		dir, name := argAfter(cmd.Args, "--output-dir"), argAfter(cmd.Args, "--name")
		if err := os.WriteFile(filepath.Join(dir, name+".net"), []byte("(export)"), 0o644); err != nil {
			return -1, err
		}
	case tool == "kinet2pcb":
		name := strings.TrimSuffix(argAfter(cmd.Args, "-i"), ".net")
		if err := os.WriteFile(filepath.Join(cmd.Dir, name+".kicad_pcb"), []byte(fakeBoard), 0o644); err != nil {
			return -1, err
		}
	case tool == "python3":
		doc, err := os.ReadFile(argAfter(cmd.Args, "-l"))
		if err != nil {
			return -1, err
		}
		if strings.Contains(string(doc), failPlacement) {
			fmt.Fprintln(output, "KeyError: 'SW5' footprint not found")
			return 1, nil
		}
	case tool == "kicad-cli" && cmd.Args[0] == "pcb":
		if err := os.WriteFile(argAfter(cmd.Args, "-o"), []byte(fakeSVG), 0o644); err != nil {
			return -1, err
		}
	}
	fmt.Fprintf(output, "%s %s ok\n", cmd.Name, strings.Join(cmd.Args, " "))
	return 0, nil
}

func (f *fakeTools) Ready(context.Context) error { return nil }

type serverOptions struct {
	maxQueued int
	workers   int
	delay     time.Duration
}

// testServer is an in-process API with the memory broker and a worker
// running the real build stages against fakeTools.
type testServer struct {
	URL    string
	Client *client.Client
	Jobs   *job.Service
	Reaper *reaper.Reaper
}

// newTestServer starts a server, or targets E2E_API_URL when it is set.
func newTestServer(tb testing.TB, opts serverOptions) *testServer {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return &testServer{URL: url, Client: client.New(url, client.WithAPIKey(os.Getenv("E2E_API_KEY")))}
	}
	if opts.maxQueued == 0 {
		opts.maxQueued = 3
	}
	if opts.workers == 0 {
		opts.workers = 2
	}

	metrics, _, err := observability.NewMetrics(context.Background())
	if err != nil {
		tb.Fatal(err)
	}
	bucket, err := storage.NewLocal(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	workspaces, err := workspace.NewManager(tb.TempDir(), nil)
	if err != nil {
		tb.Fatal(err)
	}

	var handler queue.Handler
	broker := queue.NewMemory(queue.MemoryConfig{Workers: opts.workers, TaskTimeout: time.Minute},
		queue.HandlerFunc(func(ctx context.Context, id string, payload []byte) error {
			return handler.Handle(ctx, id, payload)
		}))
	jobs := job.NewService(job.NewMemoryStore(time.Hour), broker, opts.maxQueued, metrics)

	toolchain := eda.NewToolchain(&fakeTools{delay: opts.delay}, config.ToolchainConfig{
		Python:       "python3",
		KicadCLI:     "kicad-cli",
		Kle2Netlist:  "kle2netlist",
		Kinet2PCB:    "kinet2pcb",
		FootprintDir: tb.TempDir(),
	})
	handler = &worker.Handler{
		Jobs:       jobs,
		Workspaces: workspaces,
		Stages:     &pipeline.Builder{Toolchain: toolchain, Publisher: artifact.NewPublisher(bucket, metrics)},
		Runner:     &pipeline.Runner{Metrics: metrics},
	}

	abandoned := reaper.New(reaper.NewMemoryTracker(), jobs, 15*time.Minute, time.Minute)
	checker := health.NewChecker(map[string]health.ReadinessChecker{
		"storage":   bucket,
		"toolchain": toolchain,
	})
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobs,
		Workers:       broker,
		Bucket:        bucket,
		Activity:      abandoned,
		Metrics:       metrics,
		HealthChecker: checker,
		Version:       "e2e",
	})
	server := httptest.NewServer(router)

	tb.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		broker.Shutdown(ctx)
	})
	return &testServer{URL: server.URL, Client: client.New(server.URL), Jobs: jobs, Reaper: abandoned}
}

// local skips tests that need access to the in-process server.
func (s *testServer) local(tb testing.TB) {
	tb.Helper()
	if s.Jobs == nil {
		tb.Skip("needs the in-process server")
	}
}
