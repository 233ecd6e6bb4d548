package output

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/namelens/symscan/internal/core"
)

// YAMLFormatter renders values as YAML. Keys match the JSON output.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatScan(result *core.ScanResult) (string, error) {
	return toYAML(result)
}

func (f *YAMLFormatter) FormatAssets(assets []core.Asset) (string, error) {
	return toYAML(nonNil(assets))
}

func (f *YAMLFormatter) FormatScanRuns(runs []core.ScanRun) (string, error) {
	return toYAML(nonNil(runs))
}

func (f *YAMLFormatter) FormatEndpointStats(stats []core.EndpointStats) (string, error) {
	return toYAML(nonNil(stats))
}

// toYAML goes through JSON so struct tags and decimal encodings carry over.
func toYAML(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("decode for yaml: %w", err)
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
