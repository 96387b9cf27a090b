package guestowner

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"golang.org/x/sync/errgroup"
)

// InjectRequest names the secret to release into one VM.
type InjectRequest struct {
	VMID    interfaces.VMID
	Entries []launch.SecretEntry
}

// InjectResult is the outcome of one InjectRequest.
type InjectResult struct {
	VMID interfaces.VMID
	VM   *api.VM
	Err  error
}

// InjectSecrets runs InjectSecret for every request, at most
// Config.MaxParallel at a time. A failing VM does not stop the others.
// Results are in request order; the returned error combines every failure.
func (o *Owner) InjectSecrets(ctx context.Context, reqs []InjectRequest) ([]InjectResult, error) {
	results := make([]InjectResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallel)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			vm, err := o.InjectSecret(ctx, req.VMID, req.Entries...)
			results[i] = InjectResult{VMID: req.VMID, VM: vm, Err: err}
			return nil
		})
	}
	g.Wait()

	var merr *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, r.Err)
		}
	}
	return results, merr.ErrorOrNil()
}
