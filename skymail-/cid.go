package skymail

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for operations, for logging.
func Cid() int64 {
	return cid.Add(1)
}

// CidContext returns a context with a new cid, to pass into store operations
// so their log lines can be correlated.
func CidContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mlog.CidKey, Cid())
}
