package options

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/mixerkit/goxlr-updater/pkg/log"
	"github.com/mixerkit/goxlr-updater/pkg/options"
)

// Options aggregates every configurable concern of the updater daemon.
type Options struct {
	Http    *options.HttpOptions    `json:"http" mapstructure:"http"`
	Catalog *options.CatalogOptions `json:"catalog" mapstructure:"catalog"`
	Update  *options.UpdateOptions  `json:"update" mapstructure:"update"`
	Log     *log.Options            `json:"log" mapstructure:"log"`

	// Simulate runs the daemon against an in-memory device bus. The real
	// USB transport is provided by a separate hardware backend.
	Simulate bool `json:"simulate" mapstructure:"simulate"`
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		Http:    options.NewHttpOptions(),
		Catalog: options.NewCatalogOptions(),
		Update:  options.NewUpdateOptions(),
		Log:     log.NewOptions(),
	}
}

// AddFlags registers every option flag on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Http.AddFlags(fs)
	o.Catalog.AddFlags(fs)
	o.Update.AddFlags(fs)
	o.Log.AddFlags(fs)
	fs.BoolVar(&o.Simulate, "simulate", o.Simulate, "Run against simulated devices instead of real hardware.")
}

// Validate checks every option group and joins the failures.
func (o *Options) Validate() error {
	errs := []error{}
	errs = append(errs, o.Http.Validate()...)
	errs = append(errs, o.Catalog.Validate()...)
	errs = append(errs, o.Update.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}
