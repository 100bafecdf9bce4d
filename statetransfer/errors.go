package statetransfer

import (
	"github.com/pkg/errors"
)

var (
	ErrorInterrupted     = errors.New("cache: state transfer interrupted")
	ErrorTotalOrderDrain = errors.New("cache: interrupted while waiting for total-order transactions to drain")
)
