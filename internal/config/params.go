package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamSource indicates where a generation parameter originated from.
type ParamSource string

const (
	// SourceDefault marks values from the config file defaults section.
	SourceDefault ParamSource = "default"
	// SourceFile marks values from a params file.
	SourceFile ParamSource = "file"
	// SourceFlag marks values given on the command line or in the shell.
	SourceFlag ParamSource = "flag"
)

// Layer is one set of parameters tagged with its source.
type Layer struct {
	Source ParamSource
	Params map[string]any
}

// MergeResult is the merged parameter set plus the source that won for
// each key.
type MergeResult struct {
	Params  map[string]any
	Sources map[string]ParamSource
}

// Keys returns the merged keys in sorted order.
func (r MergeResult) Keys() []string {
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeParams combines layers in order; later layers override earlier ones
// key by key. A nil value in a later layer removes the key. Inputs are not
// modified.
func MergeParams(layers ...Layer) MergeResult {
	result := MergeResult{
		Params:  make(map[string]any),
		Sources: make(map[string]ParamSource),
	}
	for _, layer := range layers {
		for k, v := range layer.Params {
			if v == nil {
				delete(result.Params, k)
				delete(result.Sources, k)
				continue
			}
			result.Params[k] = v
			result.Sources[k] = layer.Source
		}
	}
	return result
}

// LoadParams reads a generation parameters file. Files ending in .json
// are decoded as JSON, anything else as YAML. An empty file yields an
// empty map.
func LoadParams(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file %s: %w", path, err)
	}
	params, err := ParseParams(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// ParseParams decodes a parameter object from JSON or YAML.
func ParseParams(data []byte, isJSON bool) (map[string]any, error) {
	params := make(map[string]any)
	if len(strings.TrimSpace(string(data))) == 0 {
		return params, nil
	}
	var err error
	if isJSON {
		err = json.Unmarshal(data, &params)
	} else {
		err = yaml.Unmarshal(data, &params)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if params == nil {
		params = make(map[string]any)
	}
	return params, nil
}
