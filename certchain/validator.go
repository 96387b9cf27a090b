package certchain

import (
	"context"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// allOf accepts a chain only if every validator does.
type allOf []interfaces.CertificateValidator

// AllOf combines validators; they run in order and the first rejection or
// error stops the evaluation.
func AllOf(validators ...interfaces.CertificateValidator) interfaces.CertificateValidator {
	return allOf(validators)
}

func (a allOf) Validate(ctx context.Context, dir string) (bool, error) {
	for _, v := range a {
		ok, err := v.Validate(ctx, dir)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
