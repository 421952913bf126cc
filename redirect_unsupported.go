//go:build !linux && !darwin && !freebsd

package sentinel

// NewTransparentRedirector returns a redirector that always fails with
// ErrRedirectUnsupported.
func NewTransparentRedirector(RedirectOptions) TransparentRedirector {
	return UnsupportedRedirector{}
}
