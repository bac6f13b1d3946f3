// Package jsoncodec is the single JSON codec used at every boundary.
package jsoncodec

import "github.com/bytedance/sonic"

// defaultConfig keeps encoding/json semantics (sorted map keys, HTML escaping,
// float64 numbers) so documents are byte-compatible with other consumers.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
