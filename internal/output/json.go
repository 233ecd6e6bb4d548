package output

import (
	"encoding/json"

	"github.com/namelens/symscan/internal/core"
)

// JSONFormatter renders values as JSON using their API field names.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatScan(result *core.ScanResult) (string, error) {
	return f.encode(result)
}

func (f *JSONFormatter) FormatAssets(assets []core.Asset) (string, error) {
	return f.encode(nonNil(assets))
}

func (f *JSONFormatter) FormatScanRuns(runs []core.ScanRun) (string, error) {
	return f.encode(nonNil(runs))
}

func (f *JSONFormatter) FormatEndpointStats(stats []core.EndpointStats) (string, error) {
	return f.encode(nonNil(stats))
}

func (f *JSONFormatter) encode(value any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
