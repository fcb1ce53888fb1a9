package instrument

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadFile reads a YAML seed file listing instruments. Instruments without
// an explicit portfolio inherit defaultPortfolio.
func LoadFile(path, defaultPortfolio string) ([]Instrument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Instruments))
	out := make([]Instrument, 0, len(f.Instruments))
	for i, in := range f.Instruments {
		in.ID = strings.TrimSpace(in.ID)
		if in.ID == "" {
			return nil, fmt.Errorf("instrument #%d: %w", i, errMissingID)
		}
		if _, dup := seen[in.ID]; dup {
			return nil, fmt.Errorf("instrument %q: duplicate id", in.ID)
		}
		seen[in.ID] = struct{}{}
		if in.PortfolioID == "" {
			in.PortfolioID = defaultPortfolio
		}
		if in.Symbol == "" {
			in.Symbol = in.ID
		}
		out = append(out, in)
	}
	return out, nil
}

var errMissingID = errors.New("missing id")
