package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*UpdateOptions)(nil)

// UpdateOptions configures the update protocol timing. The packet and chunk
// sizes of the device protocol are fixed by the hardware and are not options.
type UpdateOptions struct {
	// PollInterval is the fixed delay between device progress queries inside
	// the erase, verify and finalize stages.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`

	// StageTimeout, when non-zero, bounds each polled stage. The device
	// protocol itself has no timeout; leaving this at zero preserves the
	// poll-forever behavior.
	StageTimeout time.Duration `json:"stage-timeout" mapstructure:"stage-timeout"`

	// ScanInterval is the delay between device re-scans.
	ScanInterval time.Duration `json:"scan-interval" mapstructure:"scan-interval"`
}

// NewUpdateOptions creates UpdateOptions with default values.
func NewUpdateOptions() *UpdateOptions {
	return &UpdateOptions{
		PollInterval: 100 * time.Millisecond,
		StageTimeout: 0,
		ScanInterval: 2 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *UpdateOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if o.PollInterval <= 0 {
		errs = append(errs, errors.New("update.poll-interval must be positive"))
	}
	if o.StageTimeout < 0 {
		errs = append(errs, errors.New("update.stage-timeout must not be negative"))
	}

	return errs
}

// AddFlags adds flags for UpdateOptions to the specified FlagSet.
func (o *UpdateOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.PollInterval, "update.poll-interval", o.PollInterval, "Delay between device progress queries during polled stages.")
	fs.DurationVar(&o.StageTimeout, "update.stage-timeout", o.StageTimeout, "Optional per-stage timeout; 0 polls until the device reports completion.")
	fs.DurationVar(&o.ScanInterval, "update.scan-interval", o.ScanInterval, "Delay between USB device re-scans.")
}
