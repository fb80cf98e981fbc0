package chat

import (
	dispatch "github.com/ggoodman/im-dispatch"
	"github.com/ggoodman/im-dispatch/fanout"
)

// Register installs the default chat handlers on r.
func Register(r *dispatch.Router, sched dispatch.Scheduler, fwd dispatch.Forwarder, pub fanout.Publisher, opts ...dispatch.HandlerOption) {
	r.Register(dispatch.NewHandler(GroupMessage{}, PublishGroupMessage(pub), sched, fwd, opts...))
	r.Register(dispatch.NewHandler(DirectMessage{}, PushDirectMessage(fwd), sched, fwd, opts...))
}
