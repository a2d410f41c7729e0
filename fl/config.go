package fl

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PaluMacil/fedvae/m"
)

var ErrInvalidConfig = errors.New("invalid config")

// Perturbation methods.
const (
	PerturbNone = "none"
	PerturbMPC  = "MPC"
	PerturbLDP  = "LDP"
)

// Config is the full configuration of a simulation run.
type Config struct {
	DatasetName  string `yaml:"dataset_name"`
	DataPath     string `yaml:"data_path"`
	ModelName    string `yaml:"model_name"`
	LoggerName   string `yaml:"logger_name"`
	SavedPath    string `yaml:"saved_path"`
	ResultPath   string `yaml:"result_path"`
	ReportPath   string `yaml:"report_path"`
	UseReporting bool   `yaml:"use_reporting"`
	Progress     bool   `yaml:"progress"`

	GPUID int   `yaml:"gpu_id"`
	Seed  int64 `yaml:"seed"`

	Model m.Config `yaml:"model"`

	EncModuleName []string `yaml:"enc_module_name"`
	DecModuleName []string `yaml:"dec_module_name"`

	PerturbMethod string  `yaml:"perturb_method"`
	Xi            int     `yaml:"xi"`
	L1NormClip    float64 `yaml:"l1_norm_clip"`
	Lam           float64 `yaml:"lam"`
	Compressed    bool    `yaml:"compressed"`
	// ShareKey makes pairwise-masking shares reproducible when set.
	ShareKey string `yaml:"share_key"`

	Epochs      int     `yaml:"epochs"`
	EarlyStop   int     `yaml:"early_stop"`
	Alternating bool    `yaml:"alternating"`
	NEncEpochs  int     `yaml:"n_enc_epochs"`
	NDecEpochs  int     `yaml:"n_dec_epochs"`
	BatchSize   int     `yaml:"batch_size"`
	TopK        int     `yaml:"top_k"`
	LR          float64 `yaml:"lr"`
	WeightDecay float64 `yaml:"weight_decay"`
	DropoutProb float64 `yaml:"dropout_prob"`

	RestoreEpochs []int `yaml:"restore_epochs"`
	UseEncGrad    bool  `yaml:"use_enc_grad"`
}

func DefaultConfig() Config {
	return Config{
		DatasetName:   "ml-1m",
		DataPath:      "data/ml-1m",
		ModelName:     "RecVAE",
		SavedPath:     "saved",
		ResultPath:    "results",
		ReportPath:    "reports",
		GPUID:         -1,
		Seed:          42,
		Model:         m.Config{Name: "RecVAE", HiddenNum: 600, LatentNum: 200, Gamma: 0.005},
		EncModuleName: []string{m.EncFC1Weight},
		DecModuleName: []string{m.DecWeight},
		PerturbMethod: PerturbNone,
		Xi:            1,
		L1NormClip:    1,
		Lam:           0.1,
		Epochs:        50,
		EarlyStop:     10,
		Alternating:   true,
		NEncEpochs:    3,
		NDecEpochs:    1,
		BatchSize:     500,
		TopK:          5,
		LR:            5e-4,
		DropoutProb:   0.5,
	}
}

// LoadConfig overlays a YAML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

// Validate reports configuration errors that do not depend on the dataset.
func (c Config) Validate() error {
	if len(c.EncModuleName) == 0 || len(c.DecModuleName) == 0 {
		return fmt.Errorf("%w: enc_module_name and dec_module_name must be non-empty", ErrInvalidConfig)
	}
	for _, name := range c.EncModuleName {
		if !m.IsEncoder(name) {
			return fmt.Errorf("%w: %q is not an encoder parameter", ErrInvalidConfig, name)
		}
	}
	for _, name := range c.DecModuleName {
		if !m.IsDecoder(name) && !m.IsEncoder(name) {
			return fmt.Errorf("%w: %q is not a model parameter", ErrInvalidConfig, name)
		}
	}
	switch c.PerturbMethod {
	case PerturbNone, PerturbMPC, PerturbLDP:
	default:
		return fmt.Errorf("%w: unknown perturb_method %q", ErrInvalidConfig, c.PerturbMethod)
	}
	if c.Xi < 0 {
		return fmt.Errorf("%w: xi must be >= 0", ErrInvalidConfig)
	}
	if c.PerturbMethod == PerturbMPC && c.Xi > c.BatchSize-1 {
		return fmt.Errorf("%w: xi=%d exceeds batch_size-1=%d", ErrInvalidConfig, c.Xi, c.BatchSize-1)
	}
	if c.BatchSize < 1 || c.Epochs < 1 || c.EarlyStop < 1 || c.TopK < 1 {
		return fmt.Errorf("%w: batch_size, epochs, early_stop and top_k must be positive", ErrInvalidConfig)
	}
	if c.DropoutProb < 0 || c.DropoutProb >= 1 {
		return fmt.Errorf("%w: dropout_prob must be in [0, 1)", ErrInvalidConfig)
	}
	if c.Alternating && (c.NEncEpochs < 0 || c.NDecEpochs < 0) {
		return fmt.Errorf("%w: n_enc_epochs and n_dec_epochs must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ProtectedNames are the item-dimension parameters whose upload may be
// compressed.
func (c Config) ProtectedNames() map[string]bool {
	names := map[string]bool{}
	for _, n := range append(append([]string{}, c.EncModuleName...), c.DecModuleName...) {
		names[n] = true
	}
	return names
}
