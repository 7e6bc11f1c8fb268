package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pro0o/caskdb/metrics"
	"gopkg.in/yaml.v3"
)

const DefaultRotationThreshold = 16 * 1024 * 1024

var validate = validator.New()

// Options configures an Engine. Zero values are not defaults; start from
// DefaultOptions.
type Options struct {
	// Dir holds the data, hint and lock files.
	Dir string `yaml:"dir" validate:"required"`

	// RotationThreshold is the number of bytes appended to the active file
	// before it is rotated.
	RotationThreshold int64 `yaml:"rotation_threshold_bytes" validate:"gt=0"`

	// SyncWrites fsyncs the active file before every Put returns.
	SyncWrites bool `yaml:"synchronous_writes"`

	// SoftDelete renames retired files to *.deleted instead of removing them.
	SoftDelete bool `yaml:"soft_delete_retired_files"`

	// Metrics receives engine metrics. A private registry is used when nil.
	Metrics *metrics.Registry `yaml:"-" validate:"-"`
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir:               dir,
		RotationThreshold: DefaultRotationThreshold,
		SyncWrites:        false,
		SoftDelete:        true,
	}
}

// LoadOptions reads a yaml file over DefaultOptions, so omitted fields keep
// their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions("")
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse config %s: %w", path, err)
	}
	return opts, nil
}

func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid options: %w", err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(msgs, ", "))
	}
	return nil
}
