package mempool

import (
	"github.com/syfer-network/syferd/logs"
)

var log = logs.RegisterSubSystem("TXMP")
