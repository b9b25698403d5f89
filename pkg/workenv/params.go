package workenv

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// decodeParams decodes free-form manifest or snapshot params into a typed
// struct. Unknown keys are rejected; numbers and lists are weakly typed so
// values that went through JSON decode cleanly.
func decodeParams(kind Kind, in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("create params decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return configErr(kind, "params: %v", err)
	}
	return nil
}

// encodeParams is the inverse of decodeParams.
func encodeParams(in any) map[string]any {
	out := map[string]any{}
	// Struct-to-map decoding of tagged fields cannot fail.
	_ = mapstructure.Decode(in, &out)
	return out
}
