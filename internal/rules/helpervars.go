package rules

import (
	"github.com/mitchellh/mapstructure"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

// HelperVars is the typed view of an action rule's VAR_* keys, used only by
// the `vdevd rules` diagnostic command; the hot path (executor dispatch)
// keeps the raw ordered map per spec.md §3 and never decodes this struct.
type HelperVars struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Default     string `mapstructure:"default"`
}

// DecodeHelperVars decodes a rule's VarParams into a HelperVars, ignoring
// any VAR_* key that isn't one of name/description/default.
func (a *ActionRule) DecodeHelperVars() (*HelperVars, error) {
	raw := make(map[string]string, len(a.VarParams))
	for _, kv := range a.VarParams {
		raw[kv.Key] = kv.Value
	}

	var hv HelperVars

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &hv,
	})
	if err != nil {
		return nil, vdeverr.New(vdeverr.ParseError, err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, vdeverr.New(vdeverr.ParseError, err)
	}

	return &hv, nil
}
