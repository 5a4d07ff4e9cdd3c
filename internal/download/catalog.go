// Package download fetches firmware images from the remote catalog. Images
// are pulled in fixed-size byte ranges so progress can be reported while the
// transfer runs, and land in the local scratch directory for the updater to
// parse and install.
package download

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/options"
)

// Catalog resolves the download source and local scratch path for a device
// family. The catalog layout is fixed: one well-known filename per family
// under a single base URL.
type Catalog struct {
	baseURL   string
	fullImage string
	miniImage string
}

// NewCatalog creates a catalog view from the configured options.
func NewCatalog(opts *options.CatalogOptions) *Catalog {
	return &Catalog{
		baseURL:   opts.BaseURL,
		fullImage: opts.FullImageName,
		miniImage: opts.MiniImageName,
	}
}

// imageName returns the catalog filename for the family.
func (c *Catalog) imageName(family firmware.Family) (string, error) {
	switch family {
	case firmware.FamilyFull:
		return c.fullImage, nil
	case firmware.FamilyMini:
		return c.miniImage, nil
	default:
		return "", fmt.Errorf("no catalog image for device family %q", family)
	}
}

// ImageURL returns the full catalog URL of the family's firmware image.
func (c *Catalog) ImageURL(family firmware.Family) (string, error) {
	name, err := c.imageName(family)
	if err != nil {
		return "", err
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid catalog base URL %q: %w", c.baseURL, err)
	}
	return base.JoinPath(name).String(), nil
}

// LocalPath returns the scratch-directory path a downloaded image is written
// to. An existing file at that path is overwritten by the next download.
func (c *Catalog) LocalPath(family firmware.Family) (string, error) {
	name, err := c.imageName(family)
	if err != nil {
		return "", err
	}
	return filepath.Join(os.TempDir(), name), nil
}
