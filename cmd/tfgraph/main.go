// Command tfgraph inspects and runs TensorFlow graphs from the command line.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/amikos-tech/pure-tensorflow/tf"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	libraryPath   string
	bootstrap     bool
	graphPath     string
	savedModelDir string
	savedModelTag string
	feedFlags     cli.StringSlice
	fetchFlags    cli.StringSlice
)

func main() {
	app := &cli.App{
		Name:  "tfgraph",
		Usage: "Inspect and run TensorFlow graphs without CGO",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "lib",
				Usage:       "Path to the libtensorflow shared library. Falls back to LIBTENSORFLOW_LIB_PATH.",
				Aliases:     []string{"l"},
				Destination: &libraryPath,
			},
			&cli.BoolFlag{
				Name:        "bootstrap",
				Usage:       "Download libtensorflow into the local cache when no library is available",
				Destination: &bootstrap,
			},
		},
		Commands: []*cli.Command{
			versionCommand,
			inspectCommand,
			runCommand,
			devicesCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tfgraph: %v\n", err)
		os.Exit(1)
	}
}

// initRuntime loads the shared library according to the global flags and
// returns a teardown function.
func initRuntime() (func(), error) {
	if libraryPath != "" {
		if err := tf.SetSharedLibraryPath(libraryPath); err != nil {
			return nil, err
		}
		if err := tf.InitializeEnvironment(); err != nil {
			return nil, err
		}
	} else {
		opts := []tf.BootstrapOption{
			tf.WithBootstrapDisableDownload(!bootstrap),
		}
		if err := tf.InitializeEnvironmentWithBootstrap(opts...); err != nil {
			return nil, fmt.Errorf("no usable libtensorflow (set --lib, LIBTENSORFLOW_LIB_PATH, or pass --bootstrap): %w", err)
		}
	}

	return func() {
		if err := tf.DestroyEnvironment(); err != nil {
			fmt.Fprintf(os.Stderr, "tfgraph: failed to release runtime: %v\n", err)
		}
	}, nil
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print the loaded TensorFlow runtime version",
	Action: func(*cli.Context) error {
		teardown, err := initRuntime()
		if err != nil {
			return err
		}
		defer teardown()

		fmt.Println(tf.GetVersionString())
		return nil
	},
}

type operationInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Device     string `json:"device,omitempty"`
	NumInputs  int    `json:"num_inputs"`
	NumOutputs int    `json:"num_outputs"`
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "List the operations of a serialized GraphDef",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "graph",
			Usage:       "Path to a binary GraphDef (.pb) file",
			Aliases:     []string{"g"},
			Destination: &graphPath,
			Required:    true,
		},
	},
	Action: func(*cli.Context) error {
		teardown, err := initRuntime()
		if err != nil {
			return err
		}
		defer teardown()

		graph, err := loadGraphDefFile(graphPath)
		if err != nil {
			return err
		}
		defer func() { _ = graph.Destroy() }()

		operations, err := graph.Operations()
		if err != nil {
			return err
		}

		writer := bufio.NewWriter(os.Stdout)
		defer func() { _ = writer.Flush() }()

		pretty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
		for _, op := range operations {
			info := operationInfo{
				Name:       op.Name(),
				Type:       op.Type(),
				Device:     op.Device(),
				NumInputs:  op.NumInputs(),
				NumOutputs: op.NumOutputs(),
			}

			if pretty {
				fmt.Fprintf(writer, "%-50s %-20s in=%d out=%d %s\n", info.Name, info.Type, info.NumInputs, info.NumOutputs, info.Device)
				continue
			}

			line, err := json.Marshal(info)
			if err != nil {
				return err
			}
			fmt.Fprintf(writer, "%s\n", line)
		}

		return nil
	},
}

type fetchResult struct {
	Name   string    `json:"name"`
	Shape  []int64   `json:"shape"`
	Values []float32 `json:"values"`
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run one step of a graph or SavedModel",
	Description: `Feeds are float32 tensors given as --feed "name=shape=values", for example:

    tfgraph run --graph model.pb --feed "input:0=1,2=5.0,6.0" --fetch "product:0"

Fetched tensors are written to stdout as JSON, one object per fetch.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "graph",
			Usage:       "Path to a binary GraphDef (.pb) file",
			Aliases:     []string{"g"},
			Destination: &graphPath,
		},
		&cli.StringFlag{
			Name:        "saved-model",
			Usage:       "Path to a SavedModel export directory (alternative to --graph)",
			Destination: &savedModelDir,
		},
		&cli.StringFlag{
			Name:        "tag",
			Usage:       "MetaGraphDef tag for --saved-model",
			Destination: &savedModelTag,
			Value:       "serve",
		},
		&cli.StringSliceFlag{
			Name:        "feed",
			Usage:       "Feed tensor as name=shape=values (repeatable)",
			Aliases:     []string{"i"},
			Destination: &feedFlags,
		},
		&cli.StringSliceFlag{
			Name:        "fetch",
			Usage:       "Output to fetch, as op_name:index (repeatable)",
			Aliases:     []string{"o"},
			Destination: &fetchFlags,
			Required:    true,
		},
	},
	Action: func(*cli.Context) error {
		if (graphPath == "") == (savedModelDir == "") {
			return fmt.Errorf("exactly one of --graph or --saved-model is required")
		}

		teardown, err := initRuntime()
		if err != nil {
			return err
		}
		defer teardown()

		var graph *tf.Graph
		var session *tf.Session

		if savedModelDir != "" {
			model, err := tf.LoadSavedModel(savedModelDir, []string{savedModelTag}, nil)
			if err != nil {
				return err
			}
			graph, session = model.Graph, model.Session
		} else {
			graph, err = loadGraphDefFile(graphPath)
			if err != nil {
				return err
			}
			session, err = tf.NewSession(graph, nil)
			if err != nil {
				_ = graph.Destroy()
				return err
			}
		}
		defer func() {
			_ = session.Close()
			_ = graph.Destroy()
		}()

		feeds := make(map[tf.Output]*tf.Tensor, len(feedFlags.Value()))
		defer func() {
			for _, tensor := range feeds {
				_ = tensor.Destroy()
			}
		}()
		for _, spec := range feedFlags.Value() {
			output, tensor, err := parseFeed(graph, spec)
			if err != nil {
				return err
			}
			feeds[output] = tensor
		}

		fetches := make([]tf.Output, 0, len(fetchFlags.Value()))
		for _, name := range fetchFlags.Value() {
			output, err := lookupOutput(graph, name)
			if err != nil {
				return err
			}
			fetches = append(fetches, output)
		}

		results, err := session.Run(feeds, fetches, nil)
		if err != nil {
			return err
		}
		defer func() {
			for _, tensor := range results {
				_ = tensor.Destroy()
			}
		}()

		encoder := json.NewEncoder(os.Stdout)
		if isatty.IsTerminal(os.Stdout.Fd()) {
			encoder.SetIndent("", "  ")
		}
		for i, tensor := range results {
			values, err := tf.TensorData[float32](tensor)
			if err != nil {
				return fmt.Errorf("fetch %q: %w", fetchFlags.Value()[i], err)
			}
			if err := encoder.Encode(fetchResult{
				Name:   fetchFlags.Value()[i],
				Shape:  tensor.Shape(),
				Values: values,
			}); err != nil {
				return err
			}
		}

		return nil
	},
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List devices visible to the runtime",
	Action: func(*cli.Context) error {
		teardown, err := initRuntime()
		if err != nil {
			return err
		}
		defer teardown()

		graph, err := tf.NewGraph()
		if err != nil {
			return err
		}
		defer func() { _ = graph.Destroy() }()

		session, err := tf.NewSession(graph, nil)
		if err != nil {
			return err
		}
		defer func() { _ = session.Close() }()

		devices, err := session.ListDevices()
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		if isatty.IsTerminal(os.Stdout.Fd()) {
			encoder.SetIndent("", "  ")
		}
		return encoder.Encode(devices)
	},
}

func loadGraphDefFile(path string) (*tf.Graph, error) {
	def, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GraphDef %q: %w", path, err)
	}

	graph, err := tf.NewGraph()
	if err != nil {
		return nil, err
	}
	if err := graph.ImportGraphDef(def, ""); err != nil {
		_ = graph.Destroy()
		return nil, err
	}
	return graph, nil
}

// parseFeed parses "name=shape=values" into an output and a float32 tensor,
// for example "input:0=1,2=5.0,6.0".
func parseFeed(graph *tf.Graph, spec string) (tf.Output, *tf.Tensor, error) {
	parts := strings.SplitN(spec, "=", 3)
	if len(parts) != 3 {
		return tf.Output{}, nil, fmt.Errorf("invalid feed %q: expected name=shape=values", spec)
	}

	output, err := lookupOutput(graph, parts[0])
	if err != nil {
		return tf.Output{}, nil, err
	}

	shape, err := tf.ParseShape(parts[1])
	if err != nil {
		return tf.Output{}, nil, fmt.Errorf("invalid feed shape in %q: %w", spec, err)
	}

	rawValues := strings.Split(parts[2], ",")
	values := make([]float32, 0, len(rawValues))
	for _, raw := range rawValues {
		var value float32
		if err := json.UnmarshalFromString(strings.TrimSpace(raw), &value); err != nil {
			return tf.Output{}, nil, fmt.Errorf("invalid feed value %q in %q: %w", raw, spec, err)
		}
		values = append(values, value)
	}

	tensor, err := tf.NewTensor(shape, values)
	if err != nil {
		return tf.Output{}, nil, fmt.Errorf("feed %q: %w", parts[0], err)
	}
	return output, tensor, nil
}

// lookupOutput resolves "op_name:index" (or a bare op name for output 0)
// against the graph.
func lookupOutput(graph *tf.Graph, name string) (tf.Output, error) {
	opName := name
	index := 0

	if colon := strings.LastIndex(name, ":"); colon >= 0 {
		if _, err := fmt.Sscanf(name[colon+1:], "%d", &index); err != nil || index < 0 {
			return tf.Output{}, fmt.Errorf("invalid output index in %q", name)
		}
		opName = name[:colon]
	}

	op := graph.Operation(opName)
	if op == nil {
		return tf.Output{}, fmt.Errorf("operation %q not found in graph", opName)
	}
	return op.Output(index), nil
}
