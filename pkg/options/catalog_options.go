package options

import (
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CatalogOptions)(nil)

// CatalogOptions configures access to the remote firmware catalog. The
// defaults point at the vendor's public distribution path; the server must
// support HEAD probes and byte-range requests.
type CatalogOptions struct {
	// BaseURL is the catalog root under which the per-device images live.
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// FullImageName and MiniImageName are the fixed catalog filenames.
	FullImageName string `json:"full-image-name" mapstructure:"full-image-name"`
	MiniImageName string `json:"mini-image-name" mapstructure:"mini-image-name"`

	// ChunkSize is the byte-range size for each download request.
	ChunkSize uint64 `json:"chunk-size" mapstructure:"chunk-size"`

	// Timeout bounds each individual catalog request (probe or chunk).
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewCatalogOptions creates CatalogOptions with the vendor defaults.
func NewCatalogOptions() *CatalogOptions {
	return &CatalogOptions{
		BaseURL:       "https://mediadl.musictribe.com/media/PLM/sftp/incoming/hybris/import/GOXLR/",
		FullImageName: "GoXLR_Firmware.bin",
		MiniImageName: "GoXLR_MINI_Firmware.bin",
		ChunkSize:     10240,
		Timeout:       30 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *CatalogOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if _, err := url.Parse(o.BaseURL); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags for CatalogOptions to the specified FlagSet.
func (o *CatalogOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "catalog.base-url", o.BaseURL, "Base URL of the remote firmware catalog.")
	fs.StringVar(&o.FullImageName, "catalog.full-image-name", o.FullImageName, "Catalog filename of the full-size device image.")
	fs.StringVar(&o.MiniImageName, "catalog.mini-image-name", o.MiniImageName, "Catalog filename of the Mini device image.")
	fs.Uint64Var(&o.ChunkSize, "catalog.chunk-size", o.ChunkSize, "Byte-range size used for each download request.")
	fs.DurationVar(&o.Timeout, "catalog.timeout", o.Timeout, "Timeout for each individual catalog request.")
}
