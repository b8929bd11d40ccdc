package app

import (
	"strconv"

	"github.com/spf13/pflag"

	"github.com/ggonzalez94/xswap/internal/id"
)

// chainValue parses chain arguments at flag time, so a bad chain fails as a
// flag error before the command runs.
type chainValue struct {
	chain id.Chain
	set   bool
}

var _ pflag.Value = (*chainValue)(nil)

func (v *chainValue) String() string {
	if !v.set {
		return ""
	}
	return strconv.FormatInt(v.chain.ID, 10)
}

func (v *chainValue) Set(input string) error {
	chain, err := id.ParseChain(input)
	if err != nil {
		return err
	}
	v.chain = chain
	v.set = true
	return nil
}

func (v *chainValue) Type() string { return "chain" }

// ID is zero when the flag was not given.
func (v *chainValue) ID() int64 {
	if !v.set {
		return 0
	}
	return v.chain.ID
}
