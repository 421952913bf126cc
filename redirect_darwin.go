//go:build darwin || freebsd

package sentinel

// NewTransparentRedirector returns the pf backend.
func NewTransparentRedirector(opts RedirectOptions) TransparentRedirector {
	return NewPFRedirector(opts)
}
