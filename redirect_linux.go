//go:build linux

package sentinel

// NewTransparentRedirector returns the nftables backend.
func NewTransparentRedirector(opts RedirectOptions) TransparentRedirector {
	return NewNFTRedirector(opts)
}
