package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/PaluMacil/fedvae/data"
	"github.com/PaluMacil/fedvae/fl"
	"github.com/PaluMacil/fedvae/report"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("a command must be specified: train or test")
		os.Exit(1)
	}
	subCommand := os.Args[1]

	flags := flag.NewFlagSet(subCommand, flag.ContinueOnError)
	flagConfig := flags.String("config", "", "YAML file overlaid on the default configuration")
	flagLogLevel := flags.String("log-level", "INFO", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagDataPath := flags.String("data", "", "preprocessed dataset directory")
	flagDataset := flags.String("dataset", "", "dataset name used in output paths")
	flagPerturb := flags.String("perturb", "", "perturbation method: none, MPC or LDP")
	flagXi := flags.Int("xi", 0, "neighbors each client sends shares to")
	flagEpochs := flags.Int("epochs", 0, "maximum number of epochs")
	flagBatch := flags.Int("batch", 0, "clients per round")
	flagRate := flags.Float64("rate", 0, "learning rate")
	flagAlternating := flags.Bool("alternating", true, "alternate encoder and decoder phases")
	flagRestore := flags.String("restore", "", "epochs to attack, comma-separated")
	flagCompressed := flags.Bool("compressed", false, "only count non-zero item gradients on upload")
	flagProgress := flags.Bool("progress", false, "show a progress bar per pass")
	flagReport := flags.Bool("report", false, "write Prometheus metrics to the report path")
	flagGPU := flags.Int("gpu", -1, "gpu id, negative for cpu")
	flagCheckpoint := flags.String("checkpoint", "", "checkpoint to evaluate (test only)")

	if err := flags.Parse(os.Args[2:]); err != nil {
		fmt.Printf("parsing %s flags: %s\n", subCommand, err.Error())
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "fedvae",
		Level: hclog.LevelFromString(*flagLogLevel),
	})

	cfg := fl.DefaultConfig()
	if *flagConfig != "" {
		var err error
		if cfg, err = fl.LoadConfig(*flagConfig); err != nil {
			logger.Error("loading config", "error", err)
			os.Exit(1)
		}
	}

	// explicit flags win over the config file
	var err error
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataPath = *flagDataPath
		case "dataset":
			cfg.DatasetName = *flagDataset
		case "perturb":
			cfg.PerturbMethod = *flagPerturb
		case "xi":
			cfg.Xi = *flagXi
		case "epochs":
			cfg.Epochs = *flagEpochs
		case "batch":
			cfg.BatchSize = *flagBatch
		case "rate":
			cfg.LR = *flagRate
		case "alternating":
			cfg.Alternating = *flagAlternating
		case "restore":
			cfg.RestoreEpochs, err = parseEpochs(*flagRestore)
		case "compressed":
			cfg.Compressed = *flagCompressed
		case "progress":
			cfg.Progress = *flagProgress
		case "report":
			cfg.UseReporting = *flagReport
		case "gpu":
			cfg.GPUID = *flagGPU
		}
	})
	if err != nil {
		logger.Error("parsing restore epochs", "error", err)
		os.Exit(1)
	}

	switch subCommand {
	case "train":
		if err := train(cfg, logger); err != nil {
			logger.Error("training", "error", err)
			os.Exit(1)
		}
	case "test":
		if *flagCheckpoint == "" {
			fmt.Println("test needs -checkpoint")
			os.Exit(1)
		}
		if err := test(cfg, *flagCheckpoint, logger); err != nil {
			logger.Error("testing", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("unknown command %q\n", subCommand)
		os.Exit(1)
	}
}

func newServer(cfg fl.Config, logger hclog.Logger) (*fl.Server, fl.Reporter, error) {
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	ds, err := data.Load(cfg.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading dataset %s: %w", cfg.DataPath, err)
	}
	logger.Info("dataset loaded", "name", cfg.DatasetName, "users", ds.Train.Len(), "items", ds.NItems)

	perturber, err := fl.NewPerturber(cfg)
	if err != nil {
		return nil, nil, err
	}
	clients := fl.NewClients(cfg, ds.Train, ds.NItems, perturber, logger)

	var reporter fl.Reporter
	if cfg.UseReporting {
		r, err := report.New(cfg.ReportPath, runID, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("reporting", "path", r.Path())
		reporter = r
	}
	server, err := fl.NewServer(cfg, ds, clients, reporter, logger)
	if err != nil {
		return nil, nil, err
	}
	return server, reporter, nil
}

func train(cfg fl.Config, logger hclog.Logger) error {
	server, reporter, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Close()
	}
	if _, err := server.Train(); err != nil {
		return err
	}
	_, err = server.Test(true)
	return err
}

func test(cfg fl.Config, checkpoint string, logger hclog.Logger) error {
	server, reporter, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Close()
	}
	server.SetCheckpointPath(checkpoint)
	_, err = server.Test(true)
	return err
}

func parseEpochs(s string) ([]int, error) {
	var epochs []int
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		e, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, nil
}
