package resilience

import (
	"context"

	"github.com/klesis/klesis/pkg/codec"
)

// CodecFallback is a [codec.Engine] that constructs its instance from the
// first engine able to do so. Failover happens only at construction: an
// instance holds receive toggles and connection state that cannot move to
// another engine mid-session.
type CodecFallback struct {
	group *FallbackGroup[codec.Engine]
}

var _ codec.Engine = (*CodecFallback)(nil)

// NewCodecFallback returns a CodecFallback preferring primary.
func NewCodecFallback(primary codec.Engine, primaryName string, cfg FallbackConfig) *CodecFallback {
	return &CodecFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine to try after the earlier ones.
func (f *CodecFallback) AddFallback(name string, eng codec.Engine) {
	f.group.AddFallback(name, eng)
}

// NewInstance implements [codec.Engine].
func (f *CodecFallback) NewInstance(ctx context.Context, cfg codec.Config) (codec.Instance, error) {
	return ExecuteWithResult(f.group, func(e codec.Engine) (codec.Instance, error) {
		return e.NewInstance(ctx, cfg)
	})
}
