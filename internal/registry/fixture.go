package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/trainset/internal/model"
)

// LoadFieldsFromFile reads a YAML (or JSON) field metadata file and returns a
// validated, indexed FieldRegistry.
func LoadFieldsFromFile(path string) (*model.FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read fields file")
	}
	return ParseFields(data)
}

// LoadRegimesFromFile reads a YAML (or JSON) regime configuration file.
func LoadRegimesFromFile(path string) (*model.RegimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read regimes file")
	}
	return ParseRegimes(data)
}

// ParseFields decodes and validates field metadata.
func ParseFields(data []byte) (*model.FieldRegistry, error) {
	var doc fieldsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &model.ConfigError{Reason: "decode fields", Err: err}
	}
	return buildFieldRegistry(doc)
}

// ParseRegimes decodes regime configuration. Interval semantics (ordering,
// weight conflicts) are checked by calendar.Build.
func ParseRegimes(data []byte) (*model.RegimeConfig, error) {
	var doc regimesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &model.ConfigError{Reason: "decode regimes", Err: err}
	}
	if err := validate.Struct(doc); err != nil {
		return nil, &model.ConfigError{Reason: "regimes", Err: err}
	}

	cfg := &model.RegimeConfig{Baseline: model.DefaultBaseline}
	if doc.Baseline != nil {
		cfg.Baseline = model.Baseline{Name: doc.Baseline.Name, Weight: doc.Baseline.Weight}
	}
	for _, iv := range doc.Intervals {
		start, err := model.ParseDate(iv.Start)
		if err != nil {
			return nil, &model.ConfigError{Reason: "regime interval " + iv.Name + " start", Err: err}
		}
		end, err := model.ParseDate(iv.End)
		if err != nil {
			return nil, &model.ConfigError{Reason: "regime interval " + iv.Name + " end", Err: err}
		}
		cfg.Intervals = append(cfg.Intervals, model.RegimeInterval{
			Name:   iv.Name,
			Start:  start,
			End:    end,
			Weight: iv.Weight,
		})
	}
	return cfg, nil
}

type regimesDoc struct {
	Baseline  *baselineDoc  `yaml:"baseline"`
	Intervals []intervalDoc `yaml:"intervals" validate:"dive"`
}

type baselineDoc struct {
	Name   string  `yaml:"name" validate:"required"`
	Weight float64 `yaml:"weight" validate:"gte=0"`
}

type intervalDoc struct {
	Name   string  `yaml:"name" validate:"required"`
	Start  string  `yaml:"start" validate:"required"`
	End    string  `yaml:"end" validate:"required"`
	Weight float64 `yaml:"weight" validate:"gte=0"`
}
