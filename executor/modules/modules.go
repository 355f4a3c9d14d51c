// Package modules links every built-in payload op into the executor's
// global registry. Import it for its side effects.
package modules

import (
	_ "github.com/tolelom/poschain/executor/modules/aitask"
	_ "github.com/tolelom/poschain/executor/modules/kvstore"
	_ "github.com/tolelom/poschain/executor/modules/staking"
)
