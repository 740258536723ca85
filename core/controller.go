package core

import (
	"net/netip"

	"github.com/openfabric/fabricd/state"
)

// Controller is the introspection surface served to operators. Every read
// goes through the owning component's loop, so callers always observe a
// consistent snapshot.
type Controller struct {
	r *Runtime
}

func NewController(r *Runtime) *Controller {
	return &Controller{r: r}
}

func (c *Controller) GetRouteDb() ([]state.UnicastRoute, []state.MplsRoute, error) {
	return c.r.Fib.GetRouteDb()
}

func (c *Controller) GetRouteDetailDb() ([]state.RibUnicastEntry, []state.RibMplsEntry, error) {
	return c.r.Fib.GetRouteDetailDb()
}

func (c *Controller) GetUnicastRoutes(prefixes []netip.Prefix) ([]state.UnicastRoute, error) {
	return c.r.Fib.GetUnicastRoutes(prefixes)
}

func (c *Controller) GetMplsRoutes(labels []int32) ([]state.MplsRoute, error) {
	return c.r.Fib.GetMplsRoutes(labels)
}

func (c *Controller) GetPerfDb() ([]state.PerfEvents, error) {
	return c.r.Fib.GetPerfDb()
}

func (c *Controller) SubscribeFib() (*state.Subscription[state.FibUpdate], error) {
	return c.r.Fib.SubscribeFib()
}

func (c *Controller) SubscribeFibDetail() (*state.Subscription[state.FibDetailUpdate], error) {
	return c.r.Fib.SubscribeFibDetail()
}

func (c *Controller) BestRoutesCache() (map[netip.Prefix]state.RouteSelectionResult, error) {
	return c.r.Decision.BestRoutesCache()
}

func (c *Controller) UpdateStaticUnicastRoutes(upserts map[netip.Prefix]state.RibUnicastEntry, deletions []netip.Prefix) {
	c.r.Decision.UpdateStaticUnicastRoutes(upserts, deletions)
}

// SubmitStaticRoutes feeds the fib programmer's static stream directly;
// only mpls upserts are honored there.
func (c *Controller) SubmitStaticRoutes(u state.RouteUpdate) error {
	return c.r.StaticRouteUpdates.Push(c.r.Env.Context, u)
}
